package paxos

// fiber is a single-threaded cooperative executor: a mailbox of jobs
// drained by exactly one goroutine, serializing every mutation of the
// entity that embeds it. Acceptor and Proposer both embed one instead of
// protecting their fields with a mutex, matching the "mailbox plus a
// single consumer" actor model every per-key/per-decree entity runs
// under. Generalized from the teacher's node.go, which runs precisely
// this pattern — one goroutine draining one channel — inline for
// message routing.
type fiber struct {
	mailbox chan func()
	done    chan struct{}
}

func newFiber(capacity int) *fiber {
	return &fiber{
		mailbox: make(chan func(), capacity),
		done:    make(chan struct{}),
	}
}

func (f *fiber) start() { go f.run() }

func (f *fiber) run() {
	for {
		select {
		case job, ok := <-f.mailbox:
			if !ok {
				return
			}
			job()
		case <-f.done:
			return
		}
	}
}

// enqueue schedules job to run on the fiber's own goroutine, preserving
// delivery order. It is safe to call from any goroutine, including the
// fiber's own (a job may enqueue another job).
func (f *fiber) enqueue(job func()) {
	select {
	case f.mailbox <- job:
	case <-f.done:
	}
}
