package main

import (
	"encoding/json"
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}
	cmd := os.Args[1]
	args := os.Args[2:]
	switch cmd {
	case "version":
		fmt.Println("tessera cli 0.1.0")
	case "health":
		if err := checkHealth(); err != nil {
			fmt.Fprintf(os.Stderr, "健康检查失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("ok")
	case "submit":
		runSubmit(args)
	case "status":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: tessera status <job_id>\n")
			os.Exit(1)
		}
		runStatus(args[0])
	case "workers":
		runWorkers()
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: tessera <command> [args]")
	fmt.Println("  version                                  - 显示版本")
	fmt.Println("  health                                   - 健康检查")
	fmt.Println("  submit <capability> <user_ref> [params]  - 提交任务（params 为 JSON）")
	fmt.Println("  status <job_id>                          - 查询任务状态")
	fmt.Println("  workers                                  - 列出当前注册的 Worker")
	fmt.Println("环境变量 TESSERA_API_URL 指定调度器地址（默认 http://localhost:8000）")
}

func runSubmit(args []string) {
	if len(args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: tessera submit <capability> <user_ref> [params]\n")
		os.Exit(1)
	}
	capability, userRef := args[0], args[1]
	params := json.RawMessage(`{}`)
	if len(args) > 2 {
		if !json.Valid([]byte(args[2])) {
			fmt.Fprintf(os.Stderr, "params 不是合法 JSON: %s\n", args[2])
			os.Exit(1)
		}
		params = json.RawMessage(args[2])
	}
	ack, err := submitJob("cli", capability, userRef, params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "提交失败: %v\n", err)
		os.Exit(1)
	}
	printJSON(ack)
}

func runStatus(jobID string) {
	view, err := getJob(jobID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "查询失败: %v\n", err)
		os.Exit(1)
	}
	printJSON(view)
}

func runWorkers() {
	workers, err := listWorkers()
	if err != nil {
		fmt.Fprintf(os.Stderr, "查询失败: %v\n", err)
		os.Exit(1)
	}
	if len(workers) == 0 {
		fmt.Println("当前没有注册的 Worker")
		return
	}
	for _, w := range workers {
		printJSON(w)
	}
}

func printJSON(v interface{}) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "序列化失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(b))
}
