// Package telemetry provides observability for the director.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry), Prometheus metrics and an in-process event publisher.
//
// # Usage
//
// Build a Telemetry at startup and attach it to the context handed to the
// planner and the engine:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//	ctx = tel.WithContext(ctx)
//
// Library code never requires telemetry. Every helper is a no-op when the
// context carries none, and FromContext then returns a disabled logger.
//
// # Spans
//
// The planner opens planner.plan and planner.diff spans. The engine opens an
// engine.execute span per session, one engine.phase span per phase and a
// registry.commit span around the profile commit.
//
// # Metrics
//
// All metrics live in the director namespace:
//
//	plans_total{kind,result}          plan_duration_seconds{kind}
//	resolution_failures_total{code}   executions_total{result}
//	execution_duration_seconds        phase_duration_seconds{phase}
//	actions_total{phase,result}       action_duration_seconds{phase,action}
//	rollbacks_total{result}           actions_undone_total
//	profile_commits_total{result}     active_executions
//	policy_denials_total{policy}      repository_units{repository}
//
// Metrics are held in a private registry and served over HTTP only when
// Metrics.ListenAddress is set.
//
// # Events
//
// Events record what happened for auditing: plan.computed, plan.failed,
// execution.started, execution.completed, execution.failed, phase.completed,
// rollback.started, rollback.completed, rollback.incomplete,
// profile.committed, policy.violation and repository.changed. Subscribers
// receive events in publish order.
package telemetry
