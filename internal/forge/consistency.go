package forge

// Snapshot is the combination of facts the consistency guard checks.
type Snapshot struct {
	SecretPresent   bool
	Displayed       bool
	Secured         bool
	CountdownActive bool
}

type Repair string

const (
	RepairHideDisplay   Repair = "displayed_without_secret"
	RepairStopCountdown Repair = "countdown_without_secret"
)

// Reconcile returns the corrected snapshot and the repairs it applied.
func Reconcile(s Snapshot) (Snapshot, []Repair) {
	var repairs []Repair
	orphaned := !s.SecretPresent && !s.Secured
	if s.Displayed && orphaned {
		s.Displayed = false
		repairs = append(repairs, RepairHideDisplay)
	}
	if s.CountdownActive && orphaned {
		s.CountdownActive = false
		repairs = append(repairs, RepairStopCountdown)
	}
	return s, repairs
}
