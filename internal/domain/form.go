package domain

// StoppingPolicy is the form-owned configuration governing when a
// conversation must or may end. Read-only input to the engine.
type StoppingPolicy struct {
	// MaxQuestions is the hard limit on total turns, seed included.
	MaxQuestions int `json:"maxQuestions"`
	// AllowEarlyEnd permits the generator to signal termination before the
	// hard limit.
	AllowEarlyEnd bool `json:"allowEarlyEnd"`
	// AllowedEndReasons is the allow-list of generator termination reasons;
	// any other reason is ignored and treated as continue.
	AllowedEndReasons []string `json:"allowedEndReasons,omitempty"`
	// RewindLimit is the respondent rewind budget. Zero disables respondent
	// rewind entirely. Owners are never budgeted.
	RewindLimit int `json:"rewindLimit"`
}

// ReasonAllowed reports whether the generator may end a conversation with
// the given reason under this policy.
func (p StoppingPolicy) ReasonAllowed(reason string) bool {
	if !p.AllowEarlyEnd {
		return false
	}
	for _, r := range p.AllowedEndReasons {
		if r == reason {
			return true
		}
	}
	return false
}

// Form is the read-only slice of a form definition the engine needs: who owns
// it, whether respondents may start it, the interview goal, the seed
// question, and the stopping policy. Form CRUD lives elsewhere.
type Form struct {
	ID        string         `json:"id"`
	OwnerID   string         `json:"ownerId"`
	Published bool           `json:"published"`
	Goal      string         `json:"goal"`
	Model     string         `json:"model"`
	Seed      Question       `json:"seed"`
	Policy    StoppingPolicy `json:"policy"`
}
