package store

// Persistent state layout. Both backends use the same logical keys so a
// Redis dump reads the way the in-memory maps do.
//
//	queue:{id}         queue metadata hash
//	queue:tasks:{id}   ordered list of task ids
//	queue:pending:{id} FIFO list of task ids awaiting dispatch
//	task:{id}          task record hash
//	busy_agents        set of agent ids currently executing
//	queues             index of queue ids scored by createdAt
//	queue:events:{id}  pub/sub channel, no persisted messages

const (
	busyAgentsKey = "busy_agents"
	queueIndexKey = "queues"
)

func queueKey(id string) string { return "queue:" + id }

func queueTasksKey(id string) string { return "queue:tasks:" + id }

func queuePendingKey(id string) string { return "queue:pending:" + id }

func taskKey(id string) string { return "task:" + id }

func queueEventsChannel(id string) string { return "queue:events:" + id }
