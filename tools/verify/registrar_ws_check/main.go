// Command registrar_ws_check probes a running registrar's wire behaviour
// from a raw websocket, without the repo's rpc package, and prints a
// verdict.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type check struct {
	req      rpcRequest
	raw      string // sent verbatim instead of req when set
	wantCode int
	wantKind string
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<marshal-error:%v>", err)
	}
	return string(b)
}

func main() {
	url := flag.String("url", "ws://127.0.0.1:56024/ws", "registrar websocket endpoint")
	timeout := flag.Duration("timeout", 8*time.Second, "overall timeout")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, *url, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial failed: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	checks := []check{
		{req: rpcRequest{JSONRPC: "2.0", ID: 1, Method: "listInstances"}, wantCode: 4031, wantKind: "NotPermitted"},
		{req: rpcRequest{JSONRPC: "2.0", ID: 2, Method: "authenticate", Params: map[string]string{"appName": "ws-check", "token": "definitely-not-a-token"}}, wantCode: 4010, wantKind: "InvalidToken"},
		{req: rpcRequest{JSONRPC: "2.0", ID: 3, Method: "getConfigFileName"}, wantCode: 4031, wantKind: "NotPermitted"},
		{req: rpcRequest{JSONRPC: "2.0", ID: 4, Method: "no.such.method"}, wantCode: -32601},
		{raw: `{"jsonrpc":"2.0","id":5,`, wantCode: -32700},
	}

	for _, c := range checks {
		if c.raw != "" {
			fmt.Printf(">> %s\n", c.raw)
			err = conn.Write(ctx, websocket.MessageText, []byte(c.raw))
		} else {
			fmt.Printf(">> %s\n", mustJSON(c.req))
			err = wsjson.Write(ctx, conn, c.req)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "write failed: %v\n", err)
			os.Exit(1)
		}
		var resp map[string]any
		if err := wsjson.Read(ctx, conn, &resp); err != nil {
			fmt.Fprintf(os.Stderr, "read failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("<< %s\n", mustJSON(resp))
		code, kind := errorOf(resp)
		if code != c.wantCode || (c.wantKind != "" && kind != c.wantKind) {
			fmt.Fprintf(os.Stderr, "expected error %d %s, got %d %s\n", c.wantCode, c.wantKind, code, kind)
			os.Exit(1)
		}
	}

	fmt.Println("VERDICT PASS")
}

func errorOf(resp map[string]any) (int, string) {
	errMap, ok := resp["error"].(map[string]any)
	if !ok {
		return 0, ""
	}
	code, _ := errMap["code"].(float64)
	kind := ""
	if data, ok := errMap["data"].(map[string]any); ok {
		kind, _ = data["kind"].(string)
	}
	return int(code), kind
}
