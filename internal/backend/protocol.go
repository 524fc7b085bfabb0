package backend

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

const jsonRPCVersion = "2.0"

// request JSON-RPC 2.0 请求；ID 为空表示通知。
// request is a JSON-RPC 2.0 request; a zero ID marks a notification.
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// response JSON-RPC 2.0 响应
// response is a JSON-RPC 2.0 response
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcError 后端错误对象，遵循 {code, message, data?} 约定。
// rpcError is the backend error object following the {code, message,
// data?} contract.
type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("backend error %d: %s", e.Code, e.Message)
}

// writeFrame 以 Content-Length 头帧格式写出一条消息。
// writeFrame writes one message in Content-Length header framing.
func writeFrame(w io.Writer, payload []byte) error {
	if _, err := fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(payload)); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// readFrame 读取一条 Content-Length 帧的消息体。
// readFrame reads one Content-Length framed message body.
func readFrame(r *bufio.Reader) ([]byte, error) {
	var contentLength int
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = trimCRLF(line)
		if line == "" {
			break
		}
		if n, ok := parseContentLength(line); ok {
			contentLength = n
		}
	}
	if contentLength <= 0 {
		return nil, fmt.Errorf("missing Content-Length header")
	}
	body := make([]byte, contentLength)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

func trimCRLF(line string) string {
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line
}

func parseContentLength(line string) (int, bool) {
	const prefix = "Content-Length: "
	if len(line) <= len(prefix) || line[:len(prefix)] != prefix {
		return 0, false
	}
	var n int
	if _, err := fmt.Sscanf(line[len(prefix):], "%d", &n); err != nil {
		return 0, false
	}
	return n, true
}
