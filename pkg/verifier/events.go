package verifier

// Event is one element of a batch test stream. Kind discriminates the
// concrete type for wire encoding.
type Event interface {
	Kind() string
}

// Start opens every stream and carries the total entry count
type Start struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
}

// Kind implements Event
func (Start) Kind() string { return "start" }

// Progress reports one completed entry test
type Progress struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	Completed   int    `json:"completed"`
	Total       int    `json:"total"`
	Valid       bool   `json:"valid"`
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	FinalURL    string `json:"final_url"`
	Reason      string `json:"reason"`
	Preview     string `json:"preview"`
}

// Kind implements Event
func (Progress) Kind() string { return "progress" }

// Done terminates the stream with the name partition of the whole batch
type Done struct {
	Total        int      `json:"total"`
	Completed    int      `json:"completed"`
	Valid        []string `json:"valid"`
	Invalid      []string `json:"invalid"`
	SuccessCount int      `json:"success_count"`
	FailCount    int      `json:"fail_count"`
}

// Kind implements Event
func (Done) Kind() string { return "done" }
