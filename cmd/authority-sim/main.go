package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"circuit-agent/internal/authority"

	"github.com/gorilla/handlers"
	"github.com/sirupsen/logrus"
)

// Bench authority: serves the declaration the agent polls and logs the
// readings it posts back. Circuits can be toggled with
//
//	curl -X PUT localhost:8000/api/circuits/3 -d '{"state":true}'
//	curl -X PUT localhost:8000/api/outage -d '{"mode":"error"}'
func main() {
	listen := flag.String("listen", ":8000", "listen address")
	circuits := flag.String("circuits", "1,2,3,4", "comma separated circuit numbers to declare")
	scenario := flag.Bool("scenario", false, "run the scripted scenario instead of waiting for manual changes")
	hold := flag.Duration("hold", 10*time.Second, "time spent in each scenario step")
	flag.Parse()

	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)

	ids, err := parseIDs(*circuits)
	if err != nil {
		logger.Fatalf("Invalid -circuits: %v", err)
	}

	sim := authority.NewServer(ids, logger)
	server := &http.Server{
		Addr:              *listen,
		Handler:           handlers.LoggingHandler(logger.Writer(), sim.Router()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		logger.Infof("Authority simulator listening on %s with circuits %v", *listen, ids)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("HTTP server error: %v", err)
			cancel()
		}
	}()

	if *scenario {
		go func() {
			if err := sim.RunScenario(ctx, scenarioSteps(len(ids), *hold)); err != nil {
				logger.Debugf("Scenario stopped: %v", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("Received shutdown signal")
	case <-ctx.Done():
	}
	cancel()

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	server.Shutdown(shutdownCtx)
	logger.Infof("Received %d reports over %d fetches", len(sim.Reports()), sim.Fetches())
}

func parseIDs(s string) ([]int, error) {
	var ids []int
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		id, err := strconv.Atoi(f)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// scenarioSteps walks every circuit on in turn, then checks the fail-safe
// paths before switching everything on.
func scenarioSteps(n int, hold time.Duration) []authority.Step {
	states := func(on func(i int) bool) []bool {
		out := make([]bool, n)
		for i := range out {
			out[i] = on(i)
		}
		return out
	}

	steps := []authority.Step{
		{Name: "all off", States: states(func(int) bool { return false }), Outage: authority.OutageNone, Hold: hold},
	}
	for k := 0; k < n; k++ {
		k := k
		steps = append(steps, authority.Step{
			Name:   "circuit " + strconv.Itoa(k) + " only",
			States: states(func(i int) bool { return i == k }),
			Hold:   hold,
		})
	}
	return append(steps,
		authority.Step{Name: "authority down", Outage: authority.OutageError, Hold: hold},
		authority.Step{Name: "empty declaration", Outage: authority.OutageEmpty, Hold: hold},
		authority.Step{Name: "all on", States: states(func(int) bool { return true }), Outage: authority.OutageNone, Hold: hold},
	)
}
