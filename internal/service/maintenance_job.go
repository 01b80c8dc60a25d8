package service

import (
	"context"
	"fmt"

	"github.com/reugn/go-quartz/quartz"
	"go.uber.org/zap"
)

// MaintenanceJob es el job periodico que recorre los pares activos y corre la
// pasada de mantenimiento sobre cada uno. Complementa la pasada oportunista
// que dispara la ingesta cada N mensajes.
type MaintenanceJob struct {
	memorySvc *MemoryService
	log       *zap.Logger
}

func NewMaintenanceJob(memorySvc *MemoryService, log *zap.Logger) *MaintenanceJob {
	if log == nil {
		log = zap.NewNop()
	}
	return &MaintenanceJob{memorySvc: memorySvc, log: log}
}

func (j *MaintenanceJob) Execute(ctx context.Context) error {
	pairs := j.memorySvc.ActivePairs()
	for _, pair := range pairs {
		if err := j.memorySvc.RunMaintenance(ctx, pair); err != nil {
			j.log.Warn("scheduled maintenance failed for pair",
				zap.String("pair", pair.Key()), zap.Error(err))
		}
	}
	j.log.Info("scheduled maintenance cycle finished", zap.Int("pairs", len(pairs)))
	return nil
}

func (j *MaintenanceJob) Description() string {
	return "memory maintenance sweep over active pairs"
}

// ScheduleMaintenance registra el job en el scheduler con la expresion cron
// configurada y lo deja corriendo hasta que el contexto muera.
func ScheduleMaintenance(ctx context.Context, sched quartz.Scheduler, job *MaintenanceJob, cronExpr string) error {
	trigger, err := quartz.NewCronTrigger(cronExpr)
	if err != nil {
		return fmt.Errorf("invalid maintenance cron %q: %w", cronExpr, err)
	}
	detail := quartz.NewJobDetail(job, quartz.NewJobKey("memory-maintenance"))
	if err := sched.ScheduleJob(detail, trigger); err != nil {
		return fmt.Errorf("schedule maintenance job: %w", err)
	}
	sched.Start(ctx)
	return nil
}
