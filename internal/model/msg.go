package model

// Bubble Tea message types

// ErrorMsg represents an error message.
type ErrorMsg struct {
	Err error
}

// PipelineDoneMsg is sent once the coordinator returns.
type PipelineDoneMsg struct {
	RunID                    string
	VisitsCreated            int
	PhotosProcessed          int
	FoodVisitsFound          int
	VisitsWithCalendarEvents int
	PhaseErrors              []string
}
