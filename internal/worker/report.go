package worker

// Failure records one message that could not be processed this invocation.
type Failure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// Report summarizes a single run-to-completion worker invocation. Failures
// never abort sibling messages in the same batch.
type Report struct {
	Processed []string  `json:"processed"`
	Failures  []Failure `json:"failures"`
}
