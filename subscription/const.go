package subscription

// Status is the custom type to define the current state of a subscription
type Status string

// Defining different Statuses for a Subscription
const (
	StatusIncomplete Status = "incomplete"
	StatusActive     Status = "active"
	StatusPastDue    Status = "past_due"
	StatusCanceled   Status = "canceled"
	StatusTrialing   Status = "trialing"
)

// transitions lists the statuses reachable from each status. canceled is terminal.
var transitions = map[Status][]Status{
	StatusIncomplete: {StatusIncomplete, StatusActive, StatusTrialing, StatusCanceled},
	StatusTrialing:   {StatusTrialing, StatusActive, StatusPastDue, StatusCanceled},
	StatusActive:     {StatusActive, StatusPastDue, StatusCanceled},
	StatusPastDue:    {StatusPastDue, StatusActive, StatusCanceled},
	StatusCanceled:   {StatusCanceled},
}

// CanTransition reports whether a subscription may move from one status to another
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
