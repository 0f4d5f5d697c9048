package scheduler

import (
	"context"
	"sync"
)

// TaskSupervisor запускает группу планировщиков одним вызовом и гасит их в обратном порядке
type TaskSupervisor struct {
	mu         sync.Mutex
	schedulers []JobSchedulerInterface
	running    bool
}

func NewTaskSupervisor(schedulers ...JobSchedulerInterface) *TaskSupervisor {
	return &TaskSupervisor{schedulers: schedulers}
}

// Add планировщик, добавленный к запущенному супервизору, стартует при следующем Start
func (c *TaskSupervisor) Add(s JobSchedulerInterface) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.schedulers = append(c.schedulers, s)
}

func (c *TaskSupervisor) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	for _, s := range c.schedulers {
		s.Start(ctx)()
	}
}

func (c *TaskSupervisor) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.running = false
	for i := len(c.schedulers) - 1; i >= 0; i-- {
		c.schedulers[i].Stop()()
	}
}
