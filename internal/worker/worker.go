package worker

// Worker pulls jobs off its channel and hands them to the manager.
type Worker struct {
	id         int64
	pool       *jobChannelPool
	manager    *Manager
	jobChannel chan Job
}

func newWorker(id int64, pool *jobChannelPool, manager *Manager) *Worker {
	return &Worker{
		id:         id,
		pool:       pool,
		manager:    manager,
		jobChannel: make(chan Job),
	}
}

func (w *Worker) Start() {
	go func() {
		for {
			w.pool.Release(w.jobChannel)
			job := <-w.jobChannel
			switch job.Type {
			case Deliver:
				w.manager.handleDeliver(job.Task)
			case Stop:
				w.pool.retire(w.jobChannel)
				return
			}
		}
	}()
}
