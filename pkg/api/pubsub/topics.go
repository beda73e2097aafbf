package pubsub

// Topics holds the fully qualified topic names
type Topics struct {
	Register string
	Status   string
	Tasks    string
	Logs     string
}

// NewTopics builds topic names under prefix
func NewTopics(prefix string) Topics {
	return Topics{
		Register: prefix + "workers/register",
		Status:   prefix + "workers/status",
		Tasks:    prefix + "workers/tasks",
		Logs:     prefix + "logs",
	}
}
