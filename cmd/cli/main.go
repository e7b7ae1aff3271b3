package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	apiKey    string
	ownerID   string

	name          string
	kind          string
	securityLevel string
	memoryMB      int64
	network       bool
	persistent    bool

	timeoutSecs int
	limit       int
)

func main() {
	root := &cobra.Command{
		Use:   "webvm",
		Short: "CLI client for the webvm-manager API",
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("WEBVM_API_KEY"), "API key")
	root.PersistentFlags().StringVar(&ownerID, "owner", os.Getenv("WEBVM_OWNER"), "Owner ID")

	createCmd := &cobra.Command{
		Use:   "create [name]",
		Short: "Create a new instance",
		Args:  cobra.ExactArgs(1),
		RunE:  runCreate,
	}
	createCmd.Flags().StringVarP(&kind, "kind", "k", "python", "Environment kind (python, javascript, cpp, java, rust, go, linux_full)")
	createCmd.Flags().StringVar(&securityLevel, "security", "", "Security level (low, medium, high, maximum)")
	createCmd.Flags().Int64Var(&memoryMB, "memory", 0, "Memory limit in MB (0 takes the policy ceiling)")
	createCmd.Flags().BoolVar(&network, "network", false, "Request network access")
	createCmd.Flags().BoolVar(&persistent, "persistent", false, "Exempt from idle reaping")
	root.AddCommand(createCmd)

	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List instances",
		RunE:  runListInstances,
	})

	root.AddCommand(&cobra.Command{
		Use:   "get [instance-id]",
		Short: "Show one instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return getJSON("/instances/" + args[0])
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "terminate [instance-id]",
		Short: "Terminate an instance",
		Args:  cobra.ExactArgs(1),
		RunE:  runTerminate,
	})

	execCmd := &cobra.Command{
		Use:   "exec [instance-id] [code]",
		Short: "Execute code on an instance (code from arg or stdin)",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runExec,
	}
	execCmd.Flags().IntVar(&timeoutSecs, "timeout", 0, "Execution timeout in seconds (0 takes the instance limit)")
	root.AddCommand(execCmd)

	execFileCmd := &cobra.Command{
		Use:   "exec-file [instance-id] [file]",
		Short: "Execute code from a file",
		Args:  cobra.ExactArgs(2),
		RunE:  runExecFile,
	}
	execFileCmd.Flags().IntVar(&timeoutSecs, "timeout", 0, "Execution timeout in seconds")
	root.AddCommand(execFileCmd)

	historyCmd := &cobra.Command{
		Use:   "history [instance-id]",
		Short: "List an instance's recent executions",
		Args:  cobra.ExactArgs(1),
		RunE:  runHistory,
	}
	historyCmd.Flags().IntVar(&limit, "limit", 0, "Maximum records to return")
	root.AddCommand(historyCmd)

	root.AddCommand(&cobra.Command{
		Use:   "resources [instance-id]",
		Short: "Show an instance's resource usage history",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return getJSON("/instances/" + args[0] + "/resources")
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(_ *cobra.Command, _ []string) error {
			return getJSON("/health")
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCreate(_ *cobra.Command, args []string) error {
	payload := map[string]any{
		"owner_id":       ownerID,
		"name":           args[0],
		"kind":           kind,
		"security_level": securityLevel,
		"network":        network,
		"persistent":     persistent,
	}
	if memoryMB > 0 {
		payload["limits"] = map[string]any{"memory_mb": memoryMB}
	}
	return postJSON("/instances", payload, false)
}

func runListInstances(_ *cobra.Command, _ []string) error {
	path := "/instances"
	if ownerID != "" {
		path += "?owner_id=" + ownerID
	}
	return getJSON(path)
}

func runTerminate(_ *cobra.Command, args []string) error {
	req, err := http.NewRequest(http.MethodDelete, serverURL+"/instances/"+args[0], nil)
	if err != nil {
		return err
	}
	return doRequest(req, false)
}

func runExec(_ *cobra.Command, args []string) error {
	var code string
	if len(args) > 1 {
		code = args[1]
	} else {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		code = string(data)
	}
	return executeCode(args[0], code)
}

func runExecFile(_ *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[1])
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}
	// The instance's environment decides the language; the extension is
	// only sanity-checked.
	switch filepath.Ext(args[1]) {
	case ".py", ".js", ".go", ".sh", "":
	default:
		fmt.Fprintf(os.Stderr, "warning: unrecognized extension %q\n", filepath.Ext(args[1]))
	}
	return executeCode(args[0], string(data))
}

func runHistory(_ *cobra.Command, args []string) error {
	path := "/instances/" + args[0] + "/executions"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	return getJSON(path)
}

func executeCode(instanceID, code string) error {
	payload := map[string]any{"code": code}
	if timeoutSecs > 0 {
		payload["timeout_secs"] = timeoutSecs
	}
	return postJSON("/instances/"+instanceID+"/execute", payload, true)
}

func postJSON(path string, payload map[string]any, exitWithCode bool) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, serverURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return doRequest(req, exitWithCode)
}

func getJSON(path string) error {
	req, err := http.NewRequest(http.MethodGet, serverURL+path, nil)
	if err != nil {
		return err
	}
	return doRequest(req, false)
}

func doRequest(req *http.Request, exitWithCode bool) error {
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: 70 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))

	if m, ok := result.(map[string]any); ok && exitWithCode {
		if exitCode, ok := m["exit_code"].(float64); ok && exitCode != 0 {
			os.Exit(int(exitCode))
		}
	}
	return nil
}
