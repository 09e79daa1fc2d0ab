// README: Benchmark cases; walks a ride through the live API and checks Postgres/Redis side effects.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

const (
	statusPass = "PASS"
	statusFail = "FAIL"
	statusSkip = "SKIP"

	driversGeoKey = "rideflow:drivers"
)

var (
	benchPickup = map[string]float64{"lat": 12.9716, "lng": 77.5946}
	benchDrop   = map[string]float64{"lat": 12.9352, "lng": 77.6245}
)

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client

	// run scopes ids so repeated runs against one database do not collide.
	run       string
	rideID    string
	requestID string
}

type Result struct {
	Name    string
	Status  string
	Latency time.Duration
	Note    string
	// Stats carries the numbers the race and load cases measured.
	Stats map[string]float64
}

type TestCase struct {
	Name string
	Run  func(ctx context.Context, r *Runner) Result
}

func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 10 * time.Second},
		run:   strconv.FormatInt(time.Now().UnixNano()%1e9, 36),
	}
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := pgxpool.New(ctx, r.cfg.DSN); err == nil {
			r.db = db
		}
	}
	if r.cfg.RedisAddr != "" {
		r.redis = redis.NewClient(&redis.Options{Addr: r.cfg.RedisAddr})
	}

	tests := r.cases()
	results := make([]Result, 0, len(tests))

	for _, tc := range tests {
		if !r.cfg.selected(tc.Name) {
			continue
		}
		res := tc.Run(ctx, r)
		res.Name = tc.Name
		results = append(results, res)
		fmt.Printf("%-5s %s", res.Status, tc.Name)
		if res.Latency > 0 {
			fmt.Printf(" (%s)", res.Latency)
		}
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
	}

	if r.db != nil {
		r.db.Close()
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}
	return results
}

func (r *Runner) rider() string { return "benchr" + r.run }

func (r *Runner) driver(i int) string { return "benchd" + r.run + "x" + strconv.Itoa(i) }

func (r *Runner) cases() []TestCase {
	return []TestCase{
		{Name: "Env: Postgres connect", Run: func(ctx context.Context, r *Runner) Result {
			if r.db == nil {
				return Result{Status: statusFail, Note: "db not configured"}
			}
			ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			if err := r.db.Ping(ctx); err != nil {
				return Result{Status: statusFail, Note: err.Error()}
			}
			return Result{Status: statusPass}
		}},
		{Name: "Env: Redis connect", Run: func(ctx context.Context, r *Runner) Result {
			if r.redis == nil {
				return Result{Status: statusFail, Note: "redis not configured"}
			}
			ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			if err := r.redis.Ping(ctx).Err(); err != nil {
				return Result{Status: statusFail, Note: err.Error()}
			}
			return Result{Status: statusPass}
		}},
		{Name: "Migration: apply (optional)", Run: applyMigration},
		{Name: "HTTP: health", Run: func(ctx context.Context, r *Runner) Result {
			return expectStatus(r.call(ctx, http.MethodGet, "/health", "", "", nil))(http.StatusOK)
		}},
		{Name: "HTTP: metrics exposed", Run: func(ctx context.Context, r *Runner) Result {
			return expectStatus(r.call(ctx, http.MethodGet, "/metrics", "", "", nil))(http.StatusOK)
		}},
		{Name: "HTTP: unauthenticated rejected", Run: func(ctx context.Context, r *Runner) Result {
			return expectStatus(r.call(ctx, http.MethodPost, "/api/rides", "", "", map[string]any{}))(http.StatusUnauthorized)
		}},
		{Name: "Drivers: go online", Run: driversOnline},
		{Name: "Redis: drivers indexed", Run: func(ctx context.Context, r *Runner) Result {
			if r.redis == nil {
				return Result{Status: statusSkip, Note: "redis not configured"}
			}
			pos, err := r.redis.GeoPos(ctx, driversGeoKey, r.driver(0)).Result()
			if err != nil {
				return Result{Status: statusFail, Note: err.Error()}
			}
			if len(pos) == 0 || pos[0] == nil {
				return Result{Status: statusSkip, Note: "driver not in GEO set (memory directory backend?)"}
			}
			return Result{Status: statusPass}
		}},
		{Name: "Fare: estimate all classes", Run: func(ctx context.Context, r *Runner) Result {
			status, body, latency, err := r.call(ctx, http.MethodPost, "/api/fares/estimate", r.rider(), "rider",
				map[string]any{"pickup": benchPickup, "drop": benchDrop})
			if err != nil || status != http.StatusOK {
				return Result{Status: statusFail, Latency: latency, Note: fmt.Sprintf("status=%d err=%v", status, err)}
			}
			est, _ := body["estimates"].(map[string]any)
			if len(est) != 3 {
				return Result{Status: statusFail, Latency: latency, Note: fmt.Sprintf("estimates=%d", len(est))}
			}
			return Result{Status: statusPass, Latency: latency}
		}},
		{Name: "Ride: create", Run: func(ctx context.Context, r *Runner) Result {
			status, body, latency, err := r.call(ctx, http.MethodPost, "/api/rides", r.rider(), "rider",
				map[string]any{"pickup": benchPickup, "drop": benchDrop, "vehicleClass": r.cfg.VehicleClass})
			if err != nil || status != http.StatusCreated {
				return Result{Status: statusFail, Latency: latency, Note: fmt.Sprintf("status=%d err=%v", status, err)}
			}
			r.rideID, _ = body["rideId"].(string)
			r.requestID, _ = body["requestId"].(string)
			fare, _ := body["fare"].(map[string]any)
			return Result{Status: statusPass, Latency: latency, Note: fmt.Sprintf("ride=%s fare=%v", r.rideID, fare["total"])}
		}},
		{Name: "Ride: read hides start code", Run: func(ctx context.Context, r *Runner) Result {
			if r.rideID == "" {
				return Result{Status: statusSkip, Note: "no ride"}
			}
			status, body, latency, err := r.call(ctx, http.MethodGet, "/api/rides/"+r.rideID, r.rider(), "rider", nil)
			if err != nil || status != http.StatusOK {
				return Result{Status: statusFail, Latency: latency, Note: fmt.Sprintf("status=%d err=%v", status, err)}
			}
			for k := range body {
				if strings.Contains(strings.ToLower(k), "otp") {
					return Result{Status: statusFail, Latency: latency, Note: "exposed " + k}
				}
			}
			return Result{Status: statusPass, Latency: latency}
		}},
		{Name: "Ride: concurrent accept", Run: concurrentAccept},
		{Name: "DB: exactly one driver bound", Run: func(ctx context.Context, r *Runner) Result {
			return r.boundDrivers(ctx, 1)
		}},
		{Name: "Ride: rider cancels assigned ride", Run: func(ctx context.Context, r *Runner) Result {
			if r.rideID == "" {
				return Result{Status: statusSkip, Note: "no ride"}
			}
			return expectStatus(r.call(ctx, http.MethodPost, "/api/rides/"+r.rideID+"/cancel", r.rider(), "rider",
				map[string]string{"reason": "bench"}))(http.StatusOK)
		}},
		{Name: "DB: driver released after cancel", Run: func(ctx context.Context, r *Runner) Result {
			return r.boundDrivers(ctx, 0)
		}},
		{Name: "Perf: fare estimate load", Run: perfLoad},
	}
}

func (r *Runner) call(ctx context.Context, method, path, uid, role string, body any) (int, map[string]any, time.Duration, error) {
	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if uid != "" {
		req.Header.Set("X-User-ID", uid)
		req.Header.Set("X-User-Role", role)
	}
	start := time.Now()
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, nil, 0, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	latency := time.Since(start)

	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return resp.StatusCode, out, latency, nil
}

func expectStatus(status int, _ map[string]any, latency time.Duration, err error) func(want int) Result {
	return func(want int) Result {
		if err != nil {
			return Result{Status: statusFail, Note: err.Error()}
		}
		if status != want {
			return Result{Status: statusFail, Latency: latency, Note: fmt.Sprintf("status=%d want=%d", status, want)}
		}
		return Result{Status: statusPass, Latency: latency, Note: fmt.Sprintf("status=%d", status)}
	}
}

func applyMigration(ctx context.Context, r *Runner) Result {
	if !r.cfg.ApplyMigration {
		return Result{Status: statusSkip, Note: "apply-migration=false"}
	}
	if r.db == nil {
		return Result{Status: statusFail, Note: "db not configured"}
	}
	sql, err := os.ReadFile(r.cfg.MigrationPath)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	for _, stmt := range splitSQL(string(sql)) {
		if _, err := r.db.Exec(ctx, stmt); err != nil {
			return Result{Status: statusFail, Note: err.Error()}
		}
	}
	return Result{Status: statusPass}
}

func driversOnline(ctx context.Context, r *Runner) Result {
	start := time.Now()
	for i := 0; i < r.cfg.Drivers; i++ {
		// Spread drivers a few metres apart around the pickup.
		loc := map[string]any{
			"lat":          benchPickup["lat"] + float64(i)*0.00005,
			"lng":          benchPickup["lng"],
			"status":       "available",
			"vehicleClass": r.cfg.VehicleClass,
		}
		status, _, _, err := r.call(ctx, http.MethodPut, "/api/drivers/me/location", r.driver(i), "driver", loc)
		if err != nil || status != http.StatusOK {
			return Result{Status: statusFail, Note: fmt.Sprintf("driver %d: status=%d err=%v", i, status, err)}
		}
	}
	return Result{Status: statusPass, Latency: time.Since(start), Note: fmt.Sprintf("drivers=%d class=%s", r.cfg.Drivers, r.cfg.VehicleClass)}
}

// concurrentAccept releases every driver at once; exactly one may win and the
// rest must see 409.
func concurrentAccept(ctx context.Context, r *Runner) Result {
	if r.requestID == "" {
		return Result{Status: statusSkip, Note: "no request"}
	}
	start := make(chan struct{})
	var wg sync.WaitGroup
	var mu sync.Mutex
	succ, conflict, other := 0, 0, 0

	for i := 0; i < r.cfg.Drivers; i++ {
		wg.Add(1)
		go func(uid string) {
			defer wg.Done()
			<-start
			status, _, _, err := r.call(ctx, http.MethodPost, "/api/requests/"+r.requestID+"/accept", uid, "driver", nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				other++
			case status >= 200 && status < 300:
				succ++
			case status == http.StatusConflict:
				conflict++
			default:
				other++
			}
		}(r.driver(i))
	}
	began := time.Now()
	close(start)
	wg.Wait()

	res := Result{
		Status:  statusPass,
		Latency: time.Since(began),
		Note:    fmt.Sprintf("success=%d conflict=%d other=%d", succ, conflict, other),
		Stats: map[string]float64{
			"drivers":  float64(r.cfg.Drivers),
			"success":  float64(succ),
			"conflict": float64(conflict),
			"other":    float64(other),
		},
	}
	if succ != 1 || other > 0 {
		res.Status = statusFail
	}
	return res
}

func (r *Runner) boundDrivers(ctx context.Context, want int) Result {
	if r.db == nil {
		return Result{Status: statusSkip, Note: "db not configured"}
	}
	if r.rideID == "" {
		return Result{Status: statusSkip, Note: "no ride"}
	}
	var n int
	if err := r.db.QueryRow(ctx, `SELECT count(*) FROM drivers WHERE current_ride_id = $1`, r.rideID).Scan(&n); err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	if n != want {
		return Result{Status: statusFail, Note: fmt.Sprintf("bound=%d want=%d", n, want)}
	}
	return Result{Status: statusPass, Note: fmt.Sprintf("bound=%d", n)}
}

func perfLoad(ctx context.Context, r *Runner) Result {
	payload := map[string]any{"pickup": benchPickup, "drop": benchDrop}
	end := time.Now().Add(r.cfg.Duration)
	var errCount int
	var latencies []time.Duration
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(end) && ctx.Err() == nil {
				status, _, latency, err := r.call(ctx, http.MethodPost, "/api/fares/estimate", r.rider(), "rider", payload)
				mu.Lock()
				if err != nil || status != http.StatusOK {
					errCount++
				} else {
					latencies = append(latencies, latency)
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(latencies) == 0 {
		return Result{Status: statusFail, Note: "no requests completed"}
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	rps := float64(len(latencies)) / r.cfg.Duration.Seconds()
	p50, p95 := percentile(latencies, 0.50), percentile(latencies, 0.95)
	return Result{
		Status: statusPass,
		Note:   fmt.Sprintf("rps=%.1f p50=%s p95=%s errors=%d", rps, p50, p95, errCount),
		Stats: map[string]float64{
			"clients": float64(r.cfg.Concurrency),
			"rps":     float64(int(rps*10)) / 10,
			"p50_ms":  float64(p50.Milliseconds()),
			"p95_ms":  float64(p95.Milliseconds()),
			"errors":  float64(errCount),
		},
	}
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, q float64) time.Duration {
	i := int(q * float64(len(sorted)-1))
	return sorted[i]
}

func splitSQL(sql string) []string {
	var b strings.Builder
	for _, line := range strings.Split(sql, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	parts := strings.Split(b.String(), ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if stmt := strings.TrimSpace(p); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
