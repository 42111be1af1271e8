//go:build !real_waku

package waku

func newGoWakuBackend(backendEnv) transportBackend {
	return nil
}
