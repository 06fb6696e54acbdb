package health

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mredag/eform-locker-gateway/internal/modbus"
	"github.com/mredag/eform-locker-gateway/internal/pipeline"
)

// DBChecker verifies the SQLite store answers queries.
type DBChecker struct {
	db *sql.DB
}

// NewDBChecker wraps the shared gateway database.
func NewDBChecker(db *sql.DB) *DBChecker {
	return &DBChecker{db: db}
}

func (c *DBChecker) Name() string { return "database" }

func (c *DBChecker) Check(ctx context.Context) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var one int
	if err := c.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy}
}

// busStatus is the slice of the transport the checker needs.
type busStatus interface {
	Status() modbus.Status
}

// BusChecker reports serial bus connectivity and slave quarantine state.
type BusChecker struct {
	bus      busStatus
	actuator pipeline.Actuator
}

// NewBusChecker wires the transport and the pipeline. Either may be nil when
// the gateway runs without hardware (fake serial mode).
func NewBusChecker(bus busStatus, actuator pipeline.Actuator) *BusChecker {
	return &BusChecker{bus: bus, actuator: actuator}
}

func (c *BusChecker) Name() string { return "bus" }

func (c *BusChecker) Check(ctx context.Context) CheckResult {
	if c.bus == nil {
		return CheckResult{Status: StatusHealthy, Message: "no serial transport configured"}
	}

	st := c.bus.Status()
	if !st.Connected {
		return CheckResult{
			Status:  StatusUnhealthy,
			Error:   "CONNECTION_LOST",
			Message: fmt.Sprintf("%d consecutive bus failures", st.ConsecutiveFailures),
		}
	}

	if c.actuator != nil {
		quarantined := 0
		for _, slave := range c.actuator.Status().Slaves {
			if slave.Quarantined {
				quarantined++
			}
		}
		if quarantined > 0 {
			return CheckResult{
				Status:  StatusDegraded,
				Message: fmt.Sprintf("%d slave(s) quarantined", quarantined),
			}
		}
	}
	return CheckResult{Status: StatusHealthy}
}
