// mage-check is the pre-flight diagnostic: it verifies configuration,
// Redis and every downstream service before the orchestrator is started.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/magehq/backend/internal/config"
	"github.com/magehq/backend/internal/downstream"
)

type check struct {
	name string
	fn   func(ctx context.Context) error
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("MAGE_CONFIG"))
	if err != nil {
		fmt.Printf("config             [FAIL] %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("config             [OK]   port=%s env=%s\n", cfg.Server.Port, cfg.Server.Env)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	checks := []check{
		{"redis", func(ctx context.Context) error { return checkRedis(ctx, cfg) }},
	}
	for _, name := range downstreamNames(cfg) {
		base := cfg.Downstream(name).BaseURL
		n := name
		checks = append(checks, check{n, func(ctx context.Context) error {
			return checkHTTPHealth(ctx, base)
		}})
	}

	failed := 0
	for _, c := range checks {
		if err := c.fn(ctx); err != nil {
			fmt.Printf("%-18s [FAIL] %v\n", c.name, err)
			failed++
		} else {
			fmt.Printf("%-18s [OK]\n", c.name)
		}
	}

	if failed > 0 {
		fmt.Printf("\n%d check(s) failed\n", failed)
		os.Exit(1)
	}
	fmt.Println("\nall checks passed")
}

func checkRedis(ctx context.Context, cfg *config.Config) error {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	return rdb.Ping(ctx).Err()
}

func checkHTTPHealth(ctx context.Context, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func downstreamNames(cfg *config.Config) []string {
	names := []string{
		downstream.ServiceSandbox,
		downstream.ServiceFileProcess,
		downstream.ServiceCyberAgent,
		downstream.ServiceMageAgent,
		downstream.ServiceGraphRAG,
	}
	sort.Strings(names)
	return names
}
