package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"agentcore/internal/logging"
)

// DefaultInitTimeout 初始化握手的默认超时
// DefaultInitTimeout is the default handshake timeout
const DefaultInitTimeout = 10 * time.Second

// Client 通过子进程 stdio 上的 JSON-RPC 连接外部推理后端。
// Client talks to the external reasoning backend over JSON-RPC on a
// subprocess's stdio.
type Client struct {
	command string
	args    []string
	dir     string

	initTimeout time.Duration

	// onUnexpectedExit 非主动关停导致连接断开时回调一次。
	// onUnexpectedExit fires once when the connection drops outside an
	// intentional shutdown.
	onUnexpectedExit func(err error)

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader

	writeMu sync.Mutex

	idCounter int64
	pending   map[int64]chan *response
	pendingMu sync.Mutex

	initialized atomic.Bool
	closing     atomic.Bool
}

// NewClient 创建后端客户端；不启动进程。
// NewClient builds a backend client; the process is not started yet.
func NewClient(command string, args []string, dir string, initTimeout time.Duration, onUnexpectedExit func(error)) *Client {
	if initTimeout <= 0 {
		initTimeout = DefaultInitTimeout
	}
	return &Client{
		command:          command,
		args:             args,
		dir:              dir,
		initTimeout:      initTimeout,
		onUnexpectedExit: onUnexpectedExit,
		pending:          make(map[int64]chan *response),
	}
}

// NewClientWithPipes 在已有的读写端上建客户端，用于测试和进程外接线。
// NewClientWithPipes builds a client over existing pipe ends, for tests
// and out-of-process wiring.
func NewClientWithPipes(w io.WriteCloser, r io.Reader, initTimeout time.Duration, onUnexpectedExit func(error)) *Client {
	if initTimeout <= 0 {
		initTimeout = DefaultInitTimeout
	}
	c := &Client{
		initTimeout:      initTimeout,
		onUnexpectedExit: onUnexpectedExit,
		stdin:            w,
		reader:           bufio.NewReader(r),
		pending:          make(map[int64]chan *response),
	}
	go c.readLoop()
	return c
}

// Start 启动后端子进程并完成初始化握手。握手失败阻止任务启动。
// Start launches the backend subprocess and completes the initialization
// handshake. A failed handshake prevents task start.
func (c *Client) Start(ctx context.Context) error {
	if c.cmd != nil || c.stdin != nil {
		return fmt.Errorf("backend already started")
	}
	c.cmd = exec.Command(c.command, c.args...)
	c.cmd.Dir = c.dir

	stdin, err := c.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("backend stdin pipe: %w", err)
	}
	c.stdin = stdin

	stdout, err := c.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("backend stdout pipe: %w", err)
	}
	c.reader = bufio.NewReader(stdout)

	stderr, err := c.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("backend stderr pipe: %w", err)
	}

	if err := c.cmd.Start(); err != nil {
		return fmt.Errorf("start backend %s: %w", c.command, err)
	}
	go logStderr(stderr)
	go c.readLoop()

	if _, err := c.Initialize(ctx); err != nil {
		_ = c.Close()
		return err
	}
	return nil
}

func logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logging.Get().Debug("backend stderr", "line", scanner.Text())
	}
}

// Close 主动关停：先发 shutdown，再关管道、等进程退出。
// Close is the intentional teardown: send shutdown, close the pipe, wait
// for the process.
func (c *Client) Close() error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if c.initialized.Load() {
		if err := c.Shutdown(ctx); err != nil {
			logging.Get().Debug("backend shutdown request failed", "err", err)
		}
	}
	if c.stdin != nil {
		_ = c.stdin.Close()
	}
	if c.cmd != nil {
		_ = c.cmd.Wait()
	}
	c.initialized.Store(false)
	return nil
}

// Initialized 报告握手是否完成
// Initialized reports whether the handshake completed
func (c *Client) Initialized() bool {
	return c.initialized.Load()
}

// call 发送请求并等待响应；请求前后登记/清理 pending 通道。
// call sends a request and waits for its response, registering and
// cleaning up the pending channel around the exchange.
func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	if c.stdin == nil {
		return fmt.Errorf("backend not started")
	}
	payload, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", method, err)
	}
	id := atomic.AddInt64(&c.idCounter, 1)
	req := request{JSONRPC: jsonRPCVersion, ID: id, Method: method, Params: payload}

	ch := make(chan *response, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}
	c.writeMu.Lock()
	err = writeFrame(c.stdin, data)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case resp := <-ch:
		if resp == nil {
			return fmt.Errorf("%s: backend connection closed", method)
		}
		if resp.Error != nil {
			return fmt.Errorf("%s: %w", method, resp.Error)
		}
		if result == nil {
			return nil
		}
		if len(resp.Result) == 0 {
			return fmt.Errorf("%s: empty result", method)
		}
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("%s: malformed result: %w", method, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

// readLoop 持续读帧并按 ID 分发；连接断开时唤醒所有等待者，
// 非主动关停则上报一次意外退出。
// readLoop keeps reading frames and dispatching by ID; on disconnect it
// wakes every waiter and, outside an intentional teardown, reports the
// unexpected exit once.
func (c *Client) readLoop() {
	var readErr error
	for {
		body, err := readFrame(c.reader)
		if err != nil {
			readErr = err
			break
		}
		var resp response
		if err := json.Unmarshal(body, &resp); err != nil {
			logging.Get().Warn("backend sent malformed frame", "err", err)
			continue
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- &resp
		}
	}

	c.pendingMu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- nil
	}
	c.pendingMu.Unlock()

	if !c.closing.Load() && c.onUnexpectedExit != nil {
		if readErr == nil {
			readErr = io.EOF
		}
		c.onUnexpectedExit(fmt.Errorf("backend stopped unexpectedly: %w", readErr))
	}
}
