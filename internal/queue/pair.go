package queue

// Pair is the two queues shared by a transport worker and its client.
// Outbound carries work from the client to the worker, Inbound carries
// received items back.
type Pair[T any] struct {
	Inbound  *Queue[T]
	Outbound *Queue[T]
}

func NewPair[T any]() *Pair[T] {
	return &Pair[T]{Inbound: New[T](), Outbound: New[T]()}
}
