package kspload

// pool.go holds the executors a batch dispatches its scenarios through.  A
// task is a closure over one scenario; executors only decide where and how
// many run at once.

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
)

// Task is one unit of work handed to an Executor
type Task func(ctx context.Context)

// Executor runs every task once and returns when all of them have returned
type Executor interface {
	Execute(ctx context.Context, tasks []Task)
}

// PoolExecutor runs tasks on a fixed number of goroutines fed from a channel.
// Workers <= 0 means one worker per CPU.
type PoolExecutor struct {
	Workers int
}

// CreatePoolExecutor is a constructor
func CreatePoolExecutor(workers int) *PoolExecutor {
	return &PoolExecutor{Workers: workers}
}

func (pe *PoolExecutor) workers(tasks int) int {
	workers := pe.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	// no point in more workers than tasks
	if workers > tasks {
		workers = tasks
	}
	return workers
}

func (pe *PoolExecutor) Execute(ctx context.Context, tasks []Task) {
	if len(tasks) == 0 {
		return
	}
	waiting := make(chan Task)
	var wg sync.WaitGroup

	for w := 0; w < pe.workers(len(tasks)); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range waiting {
				task(ctx)
			}
		}()
	}
	for _, task := range tasks {
		waiting <- task
	}
	close(waiting)
	wg.Wait()
}

// SerialExecutor runs the tasks one after the other on the calling goroutine
type SerialExecutor struct{}

func (SerialExecutor) Execute(ctx context.Context, tasks []Task) {
	for _, task := range tasks {
		task(ctx)
	}
}

// PanicError is what a recovered task panic turns into
type PanicError struct {
	Value any
	Stack []byte
}

func (pe *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", pe.Value)
}

// guard runs fn, converting a panic into a *PanicError
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn()
}
