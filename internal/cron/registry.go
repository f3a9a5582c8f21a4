// Package cron выполняет периодические задания сверки: закрывает зависшие захваты заказов
// и сообщает о заданиях выдачи в dead-letter.
package cron

import "context"

// Job описывает периодическое задание.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Registry хранит зарегистрированные задания в порядке добавления.
type Registry struct {
	jobs []Job
}

// NewRegistry создаёт реестр с указанными заданиями.
func NewRegistry(jobs ...Job) *Registry {
	registry := &Registry{}
	for _, job := range jobs {
		registry.Register(job)
	}
	return registry
}

// Register добавляет задание.
func (r *Registry) Register(job Job) {
	if job == nil {
		return
	}
	r.jobs = append(r.jobs, job)
}

// Jobs возвращает копию списка заданий.
func (r *Registry) Jobs() []Job {
	jobs := make([]Job, len(r.jobs))
	copy(jobs, r.jobs)
	return jobs
}
