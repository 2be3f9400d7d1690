// Package checkpoint persists fetch progress so an interrupted run can resume
// after the last changelist it consumed.
package checkpoint

// Progress records which changelists a fetch has consumed, in order.
type Progress struct {
	Consumed   []string `json:"consumed"`
	LastChange string   `json:"last_change"`
}

// Metadata is the on-disk checkpoint document.
type Metadata struct {
	Version   int      `json:"version"`
	Source    string   `json:"source"`
	DepotPath string   `json:"depot_path"`
	OutDir    string   `json:"out_dir"`
	UpdatedAt string   `json:"updated_at"`
	Progress  Progress `json:"progress"`
}

// Record appends a consumed changelist.
func (p *Progress) Record(change string) {
	p.Consumed = append(p.Consumed, change)
	p.LastChange = change
}

// ResumeIndex returns the index in numbers of the first changelist after
// LastChange. It returns 0 when LastChange is empty or not in numbers.
func (p *Progress) ResumeIndex(numbers []string) int {
	if p == nil || p.LastChange == "" {
		return 0
	}

	for i, n := range numbers {
		if n == p.LastChange {
			return i + 1
		}
	}

	return 0
}
