package scheduler

import (
	"context"
	"fmt"
	"strings"

	"github.com/tovfikur/fleetd/internal/model"
	"github.com/tovfikur/fleetd/internal/registry"
)

// step is one unit of work in a task. Cancellation is only observed
// between steps; a running step finishes or fails on its own.
type step struct {
	name string
	run  func(ctx context.Context, s *Scheduler, task *model.DeploymentTask) error
}

// stepsFor returns the ordered step sequence for a task type.
func stepsFor(task *model.DeploymentTask) ([]step, error) {
	switch task.Type {
	case model.TaskInstall:
		return installSteps(), nil
	case model.TaskMigrate:
		return migrateSteps(), nil
	case model.TaskBackup:
		return backupSteps(), nil
	case model.TaskAutoSetup:
		return append([]step{prepareStep()}, installSteps()...), nil
	default:
		return nil, fmt.Errorf("no step sequence for task type %q", task.Type)
	}
}

func installSteps() []step {
	return []step{
		{"provision", func(ctx context.Context, s *Scheduler, t *model.DeploymentTask) error {
			return s.runOn(ctx, t.TargetServerID,
				fmt.Sprintf("apt-get update -qq && DEBIAN_FRONTEND=noninteractive apt-get install -y --no-install-recommends %s", t.ServiceType))
		}},
		{"configure", func(ctx context.Context, s *Scheduler, t *model.DeploymentTask) error {
			return s.runOn(ctx, t.TargetServerID,
				fmt.Sprintf("mkdir -p /etc/%[1]s /var/lib/%[1]s", t.ServiceType))
		}},
		{"start", func(ctx context.Context, s *Scheduler, t *model.DeploymentTask) error {
			return s.runOn(ctx, t.TargetServerID,
				fmt.Sprintf("systemctl enable --now %s", t.ServiceType))
		}},
		{"verify", func(ctx context.Context, s *Scheduler, t *model.DeploymentTask) error {
			return s.runOn(ctx, t.TargetServerID,
				fmt.Sprintf("systemctl is-active --quiet %s", t.ServiceType))
		}},
	}
}

func migrateSteps() []step {
	archive := func(t *model.DeploymentTask) string {
		return fmt.Sprintf("/tmp/%s-%s.tar.gz", t.ServiceType, t.ID)
	}
	return []step{
		{"snapshot_source", func(ctx context.Context, s *Scheduler, t *model.DeploymentTask) error {
			return s.runOn(ctx, t.SourceServerID,
				fmt.Sprintf("tar -C /var/lib/%s -czf %s .", t.ServiceType, archive(t)))
		}},
		{"transfer", func(ctx context.Context, s *Scheduler, t *model.DeploymentTask) error {
			target, err := s.registry.Get(t.TargetServerID)
			if err != nil {
				return err
			}
			return s.runOn(ctx, t.SourceServerID,
				fmt.Sprintf("scp -o StrictHostKeyChecking=accept-new -P %d %s %s@%s:%s",
					target.Port, archive(t), target.Username, target.IPAddress, archive(t)))
		}},
		{"restore", func(ctx context.Context, s *Scheduler, t *model.DeploymentTask) error {
			return s.runOn(ctx, t.TargetServerID,
				fmt.Sprintf("mkdir -p /var/lib/%[1]s && tar -C /var/lib/%[1]s -xzf %[2]s", t.ServiceType, archive(t)))
		}},
		{"switchover", func(ctx context.Context, s *Scheduler, t *model.DeploymentTask) error {
			if err := s.runOn(ctx, t.SourceServerID,
				fmt.Sprintf("systemctl disable --now %s || true", t.ServiceType)); err != nil {
				return err
			}
			return s.runOn(ctx, t.TargetServerID,
				fmt.Sprintf("systemctl enable --now %s", t.ServiceType))
		}},
		{"verify", func(ctx context.Context, s *Scheduler, t *model.DeploymentTask) error {
			return s.runOn(ctx, t.TargetServerID,
				fmt.Sprintf("systemctl is-active --quiet %s", t.ServiceType))
		}},
	}
}

func backupSteps() []step {
	archive := func(t *model.DeploymentTask) string {
		return fmt.Sprintf("/var/backups/%s-%s.tar.gz", t.ServiceType, t.ID)
	}
	return []step{
		{"dump", func(ctx context.Context, s *Scheduler, t *model.DeploymentTask) error {
			return s.runOn(ctx, t.TargetServerID,
				fmt.Sprintf("tar -C /var/lib/%s -czf /tmp/%s.dump.tar.gz .", t.ServiceType, t.ID))
		}},
		{"archive", func(ctx context.Context, s *Scheduler, t *model.DeploymentTask) error {
			return s.runOn(ctx, t.TargetServerID,
				fmt.Sprintf("mkdir -p /var/backups && mv /tmp/%s.dump.tar.gz %s", t.ID, archive(t)))
		}},
		{"verify", func(ctx context.Context, s *Scheduler, t *model.DeploymentTask) error {
			return s.runOn(ctx, t.TargetServerID,
				fmt.Sprintf("tar -tzf %s >/dev/null", archive(t)))
		}},
	}
}

func prepareStep() step {
	return step{"prepare", func(ctx context.Context, s *Scheduler, t *model.DeploymentTask) error {
		return s.runOn(ctx, t.TargetServerID,
			"apt-get update -qq && DEBIAN_FRONTEND=noninteractive apt-get install -y --no-install-recommends curl ca-certificates")
	}}
}

// runOn executes a command on the given server and fails on a nonzero
// exit.
func (s *Scheduler) runOn(ctx context.Context, serverID, cmd string) error {
	srv, err := s.registry.Get(serverID)
	if err != nil {
		return err
	}
	res, err := s.exec.Run(ctx, registry.EndpointFor(srv), cmd)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = strings.TrimSpace(res.Stdout)
		}
		return fmt.Errorf("command exited %d: %s", res.ExitCode, msg)
	}
	return nil
}
