package agent

// Sink receives progress from a run. Status lines are human-readable
// progress ("Running web_search..."); Content is answer text, streamed in
// order. Implementations must tolerate calls from the runner goroutine.
type Sink interface {
	Status(message string)
	Content(text string)
}

// NopSink discards everything. Used for non-streaming runs.
type NopSink struct{}

func (NopSink) Status(string)  {}
func (NopSink) Content(string) {}

// CollectSink buffers everything. Used by tests and by callers that want
// the full text after a streamed run.
type CollectSink struct {
	Statuses []string
	Contents []string
}

func (c *CollectSink) Status(message string) { c.Statuses = append(c.Statuses, message) }
func (c *CollectSink) Content(text string)   { c.Contents = append(c.Contents, text) }
