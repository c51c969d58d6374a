package chat

// Profile is the durable long-term memory kept for one user, separate from the
// transcript. Facts and Preferences behave as ordered sets.
type Profile struct {
	UserID      string   `json:"user_id"`
	Facts       []string `json:"facts"`
	Preferences []string `json:"preferences"`
	Summary     string   `json:"summary"`
}

// Clone returns a deep copy of p.
func (p Profile) Clone() Profile {
	p.Facts = append([]string(nil), p.Facts...)
	p.Preferences = append([]string(nil), p.Preferences...)
	return p
}
