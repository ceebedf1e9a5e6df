package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/code-100-precent/LingClient/client"
	"github.com/code-100-precent/LingClient/monitor"
	"github.com/code-100-precent/LingClient/protocol"
	"github.com/code-100-precent/LingClient/utils"
)

func main() {
	// 加载 .env 文件
	env := os.Getenv("ENV")
	if env == "" {
		env = "dev"
	}
	if err := utils.LoadEnv(env); err != nil {
		fmt.Printf("Warning: Failed to load .env file: %v\n", err)
	}

	addrs := flag.String("addrs", "127.0.0.1:7000,127.0.0.1:7001,127.0.0.1:7002", "Seed addresses")
	monitorAddr := flag.String("monitor", "", "Monitor endpoint address, empty to disable")
	flag.Parse()

	cfg := client.DefaultConfig()
	cfg.Addresses = strings.Split(*addrs, ",")

	ctx := context.Background()
	c, err := client.NewClient(ctx, cfg)
	if err != nil {
		fmt.Printf("Failed to create client: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	if *monitorAddr != "" {
		go monitor.NewMonitor(c).Run(*monitorAddr)
	}

	fmt.Println("========================================")
	fmt.Println("LingClient 集群客户端使用示例")
	fmt.Println("========================================")

	// ========== 单命令 ==========
	fmt.Println("=== 单命令 ===")

	if _, err := c.Send(ctx, protocol.NewCmd("SET", "name", "Alice"), nil); err != nil {
		fmt.Printf("SET failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("SET name Alice")

	resp, err := c.Send(ctx, protocol.NewCmd("GET", "name"), nil)
	if err != nil {
		fmt.Printf("GET failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("GET name => %s\n", resp.ToString())

	// ========== 管道 ==========
	fmt.Println("=== 管道 ===")

	cmds := []*protocol.Cmd{
		protocol.NewCmd("INCR", "counter"),
		protocol.NewCmd("INCR", "counter"),
		protocol.NewCmd("GET", "counter"),
	}
	results, err := c.SendPipeline(ctx, cmds, client.PipelineOptions{
		RetryServerError:     true,
		RetryConnectionError: true,
	})
	if err != nil {
		fmt.Printf("Pipeline failed: %v\n", err)
		os.Exit(1)
	}
	for i, r := range results {
		fmt.Printf("pipeline[%d] => %s\n", i, describe(r))
	}

	// ========== 事务 ==========
	fmt.Println("=== 事务 ===")

	txCmds := []*protocol.Cmd{
		protocol.NewCmd("HSET", "user:{1000}", "name", "Bob"),
		protocol.NewCmd("HGETALL", "user:{1000}"),
		protocol.NewCmd("DEL", "user:{1000}"),
	}
	txResp, err := c.SendTransaction(ctx, txCmds, nil, false)
	if err != nil {
		fmt.Printf("Transaction failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("transaction => %s\n", describe(txResp))

	// ========== 集群扫描 ==========
	fmt.Println("=== 集群扫描 ===")

	cursor := ""
	total := 0
	start := time.Now()
	for cursor != client.FinishedScanCursor {
		var keys []*protocol.Value
		cursor, keys, err = c.ClusterScan(ctx, cursor, client.ScanArgs{Count: 100})
		if err != nil {
			fmt.Printf("Scan failed: %v\n", err)
			os.Exit(1)
		}
		total += len(keys)
	}
	fmt.Printf("scanned %d keys in %v\n", total, time.Since(start))
}

// describe 简单格式化响应值
func describe(v *protocol.Value) string {
	if v.IsNull() {
		return "(nil)"
	}
	switch v.Type {
	case protocol.TypeInteger:
		return fmt.Sprintf("%d", v.Int)
	case protocol.TypeArray:
		parts := make([]string, 0, len(v.Array))
		for _, e := range v.Array {
			parts = append(parts, describe(e))
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case protocol.TypeMap:
		parts := make([]string, 0, len(v.Map))
		for _, e := range v.Map {
			parts = append(parts, describe(e.Key)+"="+describe(e.Value))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	default:
		return v.ToString()
	}
}
