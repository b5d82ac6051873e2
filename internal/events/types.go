// Package events provides queue lifecycle event subjects and the relay that
// mirrors per-queue streams onto an external NATS bus.
package events

// QueueEvents is the base subject for per-queue lifecycle streams. Each queue
// publishes to queue.events.<queueID>.
const QueueEvents = "queue.events"

// EventSource identifies this service as the producer on relayed events.
const EventSource = "agentq"

// BuildQueueEventsSubject creates the subject carrying one queue's lifecycle events.
func BuildQueueEventsSubject(queueID string) string {
	return QueueEvents + "." + queueID
}

// BuildQueueEventsWildcardSubject creates a wildcard subscription covering
// every queue's lifecycle events.
func BuildQueueEventsWildcardSubject() string {
	return QueueEvents + ".*"
}
