package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"

	"safevest-cerebro/internal/api"
	"safevest-cerebro/internal/common/database"
	"safevest-cerebro/internal/config"
	"safevest-cerebro/internal/models"
	"safevest-cerebro/internal/registry"
	"safevest-cerebro/internal/repository"

	"go.uber.org/zap"
)

// 用法: check-registry [serial ...]
// 打印当前设备映射；给出序列号时检查这些设备的消息是否会被接收。
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*cfg.API.Timeout)
	defer cancel()

	var source registry.DeviceSource
	switch cfg.Cerebro.StoreBackend {
	case config.BackendPostgres:
		db, err := database.Open(ctx, &cfg.Database, zap.NewNop())
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()
		source = repository.NewPostgresStore(db, cfg.Cerebro.VestSerialColumn, zap.NewNop())
	default:
		httpClient := api.NewHTTPClient(&cfg.API)
		session := api.NewSessionManager(httpClient, &cfg.API, zap.NewNop())
		source = api.NewClient(httpClient, session, cfg.Cerebro.AlertOwnerField, zap.NewNop())
	}

	entries, err := source.FetchDeviceMap(ctx)
	if err != nil {
		log.Fatalf("Failed to fetch device map: %v", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Serial < entries[j].Serial })

	bySerial := make(map[string]models.DeviceEntry, len(entries))
	for _, e := range entries {
		bySerial[e.Serial] = e
	}

	fmt.Printf("=== Device map (%s backend, %d vests) ===\n\n", cfg.Cerebro.StoreBackend, len(entries))
	fmt.Printf("%-20s %-8s %s\n", "SERIAL", "VEST", "OWNER")
	for _, e := range entries {
		fmt.Printf("%-20s %-8d %s\n", e.Serial, e.VestID, ownerString(e))
	}

	serials := os.Args[1:]
	if len(serials) == 0 {
		return
	}

	fmt.Println("\n=== Serial check ===")
	for _, serial := range serials {
		entry, ok := bySerial[serial]
		switch {
		case !ok:
			fmt.Printf("  %s: unknown, messages will be discarded\n", serial)
		case !entry.HasOwner():
			fmt.Printf("  %s: vest %d without owner, readings stored, alerts suppressed\n", serial, entry.VestID)
		default:
			fmt.Printf("  %s: vest %d, alerts go to user %d\n", serial, entry.VestID, *entry.OwnerUserID)
		}
	}
}

func ownerString(e models.DeviceEntry) string {
	if !e.HasOwner() {
		return "-"
	}
	return strconv.FormatInt(*e.OwnerUserID, 10)
}
