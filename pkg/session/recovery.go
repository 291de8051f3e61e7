package session

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/harun/tenantlink/internal/observability"
	"github.com/harun/tenantlink/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// DefaultRecoveryConcurrency bounds parallel session starts during recovery.
const DefaultRecoveryConcurrency = 4

// RecoveryReport lists the outcome of a recovery sweep.
type RecoveryReport struct {
	Recovered []string
	Failed    map[string]error
}

// Recover starts a session for every tenant with persisted credentials. A failing
// tenant is recorded and skipped; only a failure to list the credential root is returned.
func (m *Manager) Recover(ctx context.Context) (RecoveryReport, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "session.recover")
	defer span.End()

	report := RecoveryReport{Failed: make(map[string]error)}

	tenants, err := m.creds.Tenants()
	if err != nil {
		tracing.FailSpan(span, err)
		return report, fmt.Errorf("failed to list persisted sessions: %w", err)
	}
	span.SetAttributes(attribute.Int("sessions.persisted", len(tenants)))

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(m.recoveryConcurrency)

	for _, tenant := range tenants {
		tenant := tenant
		g.Go(func() error {
			err := m.recoverOne(ctx, tenant)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed[tenant] = err
				m.logger.Error().Err(err).Str("tenant_id", tenant).Msg("Failed to recover session")
			} else {
				report.Recovered = append(report.Recovered, tenant)
			}
			observability.RecordRecovery(err == nil)
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(report.Recovered)
	m.logger.Info().
		Int("recovered", len(report.Recovered)).
		Int("failed", len(report.Failed)).
		Msg("Session recovery finished")
	return report, nil
}

func (m *Manager) recoverOne(ctx context.Context, tenant string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during recovery: %v", r)
		}
	}()

	_, err = m.StartSession(ctx, tenant)
	return err
}
