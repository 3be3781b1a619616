package main

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nodeforge/fabric/internal/rpc"
)

// rpcClient is the thin JSON-RPC client the operational subcommands share.
type rpcClient struct {
	addr   string
	bearer string
	client *http.Client
}

func newRPCClient(cmd *cobra.Command) (*rpcClient, error) {
	addr, _ := cmd.Flags().GetString("addr")
	bearer, _ := cmd.Flags().GetString("bearer")
	caPath, _ := cmd.Flags().GetString("ca-cert")
	insecure, _ := cmd.Flags().GetBool("insecure")

	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	switch {
	case caPath != "":
		pemBytes, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("read ca cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, fmt.Errorf("no certificates found in %s", caPath)
		}
		tlsCfg.RootCAs = pool
	case insecure:
		tlsCfg.InsecureSkipVerify = true
	default:
		return nil, fmt.Errorf("either --ca-cert or --insecure is required to reach a TLS node")
	}

	return &rpcClient{
		addr:   addr,
		bearer: bearer,
		client: &http.Client{
			Timeout:   15 * time.Second,
			Transport: &http.Transport{TLSClientConfig: tlsCfg},
		},
	}, nil
}

func (c *rpcClient) call(method string, params map[string]any) (any, error) {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(rpc.Request{
		JSONRPC: "2.0",
		Method:  method,
		Params:  rawParams,
		ID:      uuid.NewString(),
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, fmt.Sprintf("https://%s/rpc", c.addr), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}

	httpResp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()
	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}

	var resp rpc.Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("malformed response (status %d): %w", httpResp.StatusCode, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("remote error %d: %s", resp.Error.Code, resp.Error.Message)
	}

	var result any
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().String("addr", "127.0.0.1:8801", "Node address (host:port)")
	cmd.Flags().String("bearer", "", "Bearer token for nodes with bearer auth configured")
	cmd.Flags().String("ca-cert", "", "Path to the cluster CA certificate (PEM)")
	cmd.Flags().Bool("insecure", false, "Skip TLS certificate verification")
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

var callCmd = &cobra.Command{
	Use:   "call <service/method>",
	Short: "Invoke a method on a running node",
	Long: `Invoke a registered method over JSON-RPC, for operational poking
without writing code. Parameters are passed as repeated --param key=value
pairs, or as one JSON object via --json.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		method := args[0]
		if !strings.Contains(method, "/") {
			return fmt.Errorf("method must be of the form service/method, got %q", method)
		}

		params := map[string]any{}
		if raw, _ := cmd.Flags().GetString("json"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &params); err != nil {
				return fmt.Errorf("parse --json: %w", err)
			}
		}
		pairs, _ := cmd.Flags().GetStringSlice("param")
		for _, pair := range pairs {
			k, v, ok := strings.Cut(pair, "=")
			if !ok {
				return fmt.Errorf("--param wants key=value, got %q", pair)
			}
			params[k] = v
		}

		c, err := newRPCClient(cmd)
		if err != nil {
			return err
		}
		result, err := c.call(method, params)
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage worker bootstrap tokens",
}

var tokenGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Mint a bootstrap token on the coordinator",
	RunE: func(cmd *cobra.Command, args []string) error {
		role, _ := cmd.Flags().GetString("role")
		ttl, _ := cmd.Flags().GetFloat64("ttl-hours")

		c, err := newRPCClient(cmd)
		if err != nil {
			return err
		}
		result, err := c.call("cluster/generate_token", map[string]any{
			"role":      role,
			"ttl_hours": ttl,
		})
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Inspect certificates",
}

var certStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show a node's leaf certificate status",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newRPCClient(cmd)
		if err != nil {
			return err
		}
		result, err := c.call("cluster/cert_status", nil)
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "List the nodes a running node knows about",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newRPCClient(cmd)
		if err != nil {
			return err
		}
		result, err := c.call("cluster/nodes", nil)
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}

func init() {
	addClientFlags(callCmd)
	callCmd.Flags().StringSlice("param", nil, "Method parameter as key=value (repeatable)")
	callCmd.Flags().String("json", "", "Method parameters as one JSON object")

	addClientFlags(tokenGenerateCmd)
	tokenGenerateCmd.Flags().String("role", "worker", "Role tag for the minted token")
	tokenGenerateCmd.Flags().Float64("ttl-hours", 24, "Token lifetime in hours")
	tokenCmd.AddCommand(tokenGenerateCmd)

	addClientFlags(certStatusCmd)
	certCmd.AddCommand(certStatusCmd)

	addClientFlags(nodesCmd)
}
