// Package preflight checks that the target site and every backing service answer before
// the agent starts claiming.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"claim-swarm/internal/graph"
)

// ErrTargetUnreachable means the job site could not be reached at startup.
var ErrTargetUnreachable = errors.New("target unreachable")

// Check is one named probe.
type Check struct {
	Name string
	Run  func(ctx context.Context) error
}

// Result is the outcome of one probe.
type Result struct {
	Name string
	Err  error
	Took time.Duration
}

// RunAll runs every check with its own timeout, in order.
func RunAll(ctx context.Context, timeout time.Duration, checks ...Check) []Result {
	results := make([]Result, 0, len(checks))
	for _, c := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		err := c.Run(checkCtx)
		cancel()
		results = append(results, Result{Name: c.Name, Err: err, Took: time.Since(start)})
	}
	return results
}

// FirstError returns the first failed result's error, or nil.
func FirstError(results []Result) error {
	for _, r := range results {
		if r.Err != nil {
			return fmt.Errorf("%s: %w", r.Name, r.Err)
		}
	}
	return nil
}

// Target fails with ErrTargetUnreachable on transport errors or 5xx responses.
func Target(client *http.Client, url string) Check {
	return Check{Name: "target", Run: func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTargetUnreachable, err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTargetUnreachable, err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("%w: status %d", ErrTargetUnreachable, resp.StatusCode)
		}
		return nil
	}}
}

// Kafka dials the broker and reads partition metadata.
func Kafka(broker string) Check {
	return Check{Name: "kafka", Run: func(ctx context.Context) error {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			return fmt.Errorf("connect to %s: %w", broker, err)
		}
		defer conn.Close()
		if _, err := conn.ReadPartitions(); err != nil {
			return fmt.Errorf("read metadata: %w", err)
		}
		return nil
	}}
}

// Redis pings the server.
func Redis(addr string) Check {
	return Check{Name: "redis", Run: func(ctx context.Context) error {
		client := redis.NewClient(&redis.Options{Addr: addr})
		defer client.Close()
		return client.Ping(ctx).Err()
	}}
}

// Postgres opens one connection and pings it.
func Postgres(dsn string) Check {
	return Check{Name: "postgres", Run: func(ctx context.Context) error {
		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return err
		}
		defer conn.Close(context.Background())
		return conn.Ping(ctx)
	}}
}

// Neo4j verifies the driver can reach the server.
func Neo4j(uri, user, password string) Check {
	return Check{Name: "neo4j", Run: func(ctx context.Context) error {
		driver, err := graph.NewDriver(uri, user, password)
		if err != nil {
			return err
		}
		defer driver.Close(context.Background())
		return graph.VerifyConnectivity(ctx, driver)
	}}
}
