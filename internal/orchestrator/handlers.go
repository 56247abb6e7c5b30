package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shaiso/Flowstream/internal/mq"
)

// handleFlowsLaunch обрабатывает команду запуска flows.
//
// Ошибки отбора (нет одобренных, уже выполняются) не повторяются: повтор
// даст тот же результат. Сбой удалённого сервиса возвращается для повтора.
func (o *Orchestrator) handleFlowsLaunch(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.FlowsLaunchPayload](&delivery.Message)
	if err != nil {
		o.logger.Error("failed to parse flows.launch payload", "error", err)
		return err
	}
	if payload.ParentSessionID == uuid.Nil {
		return fmt.Errorf("%w: flows.launch without parent_session_id", mq.ErrPermanent)
	}

	o.logger.Debug("received flows.launch command",
		"parent_session_id", payload.ParentSessionID,
		"flows", len(payload.Flows),
	)

	outcomes, err := o.LaunchApprovedFlows(ctx, payload.ParentSessionID, payload.Flows)
	switch {
	case errors.Is(err, ErrNoApprovedFlows), errors.Is(err, ErrFlowAlreadyRunning):
		o.logger.Info("flows.launch skipped", "parent_session_id", payload.ParentSessionID, "reason", err)
		return nil
	case errors.Is(err, ErrOrchestratorStopped):
		return err
	case err != nil:
		o.logger.Error("flows.launch failed", "parent_session_id", payload.ParentSessionID, "error", err)
		return err
	}

	for _, out := range outcomes {
		if out.Err != nil {
			o.logger.Info("flow not started",
				"flow", out.Flow.Name,
				"status", out.Status,
				"reason", out.Err,
			)
		}
	}
	return nil
}

// handleSessionActivate обрабатывает команду переключения активной сессии.
func (o *Orchestrator) handleSessionActivate(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.SessionActivatePayload](&delivery.Message)
	if err != nil {
		o.logger.Error("failed to parse session.activate payload", "error", err)
		return err
	}
	if payload.ParentSessionID == uuid.Nil {
		return fmt.Errorf("%w: session.activate without parent_session_id", mq.ErrPermanent)
	}

	res, err := o.SwitchActiveParentSession(ctx, payload.ParentSessionID)
	if err != nil {
		return err
	}

	o.logger.Debug("session.activate handled",
		"parent_session_id", res.ParentSessionID,
		"tasks", res.Tasks,
		"partial", res.Partial,
	)
	return nil
}
