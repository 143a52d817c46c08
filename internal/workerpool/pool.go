package workerpool

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/voxflow/config"
)

const (
	defaultStartupTimeout  = 10 * time.Second
	defaultTaskTimeout     = 30 * time.Second
	defaultMetricsTimeout  = 5 * time.Second
	defaultShutdownGrace   = 5 * time.Second
	defaultHealthThreshold = 3

	// 单行最大长度（音频负载经 base64 编码后可能较大）
	maxLineBytes = 16 << 20

	// stdin 写队列容量；子进程停止读取时队列写满，发送方按各自的截止时间放弃
	writeQueueSize = 64
)

// State 池状态
type State int32

const (
	StateUnstarted State = iota
	StateStarting
	StateReady
	StateDegraded
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Accepting 是否接受新任务
func (s State) Accepting() bool {
	return s == StateReady || s == StateDegraded
}

// Option 池选项
type Option func(*Pool)

// WithIDGenerator 替换任务 ID 生成器
func WithIDGenerator(fn func() string) Option {
	return func(p *Pool) { p.newID = fn }
}

// generation 一次 Start 产生的进程及其专属通道
type generation struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	writes    chan []byte
	ready     chan struct{}
	readyOnce sync.Once
	exited    chan struct{}
	stop      chan struct{}
	stopOnce  sync.Once
}

func (g *generation) stopLoops() {
	g.stopOnce.Do(func() { close(g.stop) })
}

type outcome struct {
	result json.RawMessage
	err    error
}

// Task 已提交任务的句柄
type Task struct {
	id          string
	submittedAt time.Time
	done        chan outcome
	timer       *time.Timer
	pool        *Pool
}

// ID 返回任务 ID
func (t *Task) ID() string { return t.id }

// Wait 等待任务结果。ctx 取消时任务从待处理表移除，之后到达的结果被忽略。
func (t *Task) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case o := <-t.done:
		return o.result, o.err
	case <-ctx.Done():
		if t.pool.complete(t.id, outcome{err: ctx.Err()}) {
			<-t.done
		}
		return nil, ctx.Err()
	}
}

// Pool 管理一个常驻 worker 子进程
type Pool struct {
	poolType string
	cfg      config.WorkerPoolConfig
	logger   *zap.Logger
	newID    func() string

	mu        sync.Mutex
	state     State
	gen       *generation
	pending   map[string]*Task
	stopping  bool
	metricsCh chan Message
	readyAt   time.Time

	metricsMu sync.Mutex

	healthPending atomic.Bool
	missedHealth  atomic.Int32

	submitted    atomic.Int64
	completed    atomic.Int64
	failed       atomic.Int64
	timedOut     atomic.Int64
	latencyTotal atomic.Int64
}

// New 创建 worker 池（不启动进程）
func New(poolType string, cfg config.WorkerPoolConfig, logger *zap.Logger, opts ...Option) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = defaultStartupTimeout
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = defaultTaskTimeout
	}
	if cfg.MetricsTimeout <= 0 {
		cfg.MetricsTimeout = defaultMetricsTimeout
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}
	if cfg.HealthFailureThreshold <= 0 {
		cfg.HealthFailureThreshold = defaultHealthThreshold
	}

	p := &Pool{
		poolType: poolType,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "worker_pool"), zap.String("pool", poolType)),
		newID:    uuid.NewString,
		pending:  make(map[string]*Task),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Type 返回池类型
func (p *Pool) Type() string { return p.poolType }

// State 返回当前状态
func (p *Pool) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// PendingCount 返回待处理任务数
func (p *Pool) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// =============================================================================
// 🚀 启动
// =============================================================================

// Start 启动子进程并等待 ready 信号
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.state == StateStarting || p.state.Accepting() {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}

	args := append(append([]string{}, p.cfg.Args...), "--workers", strconv.Itoa(p.cfg.WorkerCount))
	cmd := exec.Command(p.cfg.Command, args...)
	cmd.Env = append(os.Environ(), p.cfg.Env...)
	configureProcess(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		p.state = StateTerminated
		p.mu.Unlock()
		return fmt.Errorf("%w: stdin pipe: %v", ErrProcessSpawn, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		p.state = StateTerminated
		p.mu.Unlock()
		return fmt.Errorf("%w: stdout pipe: %v", ErrProcessSpawn, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		p.state = StateTerminated
		p.mu.Unlock()
		return fmt.Errorf("%w: stderr pipe: %v", ErrProcessSpawn, err)
	}
	if err := cmd.Start(); err != nil {
		p.state = StateTerminated
		p.mu.Unlock()
		return fmt.Errorf("%w: %s: %v", ErrProcessSpawn, p.cfg.Command, err)
	}

	g := &generation{
		cmd:    cmd,
		stdin:  stdin,
		writes: make(chan []byte, writeQueueSize),
		ready:  make(chan struct{}),
		exited: make(chan struct{}),
		stop:   make(chan struct{}),
	}
	p.gen = g
	p.state = StateStarting
	p.stopping = false
	p.healthPending.Store(false)
	p.missedHealth.Store(0)
	p.mu.Unlock()

	p.logger.Info("worker process spawned",
		zap.Int("pid", cmd.Process.Pid),
		zap.Int("worker_count", p.cfg.WorkerCount),
	)

	go p.writeLoop(g)

	// cmd.Wait 必须在管道读完之后调用
	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		p.readLoop(g, stdout)
	}()
	go func() {
		defer readers.Done()
		p.stderrLoop(stderr)
	}()
	go func() {
		readers.Wait()
		p.handleExit(g, cmd.Wait())
	}()

	timer := time.NewTimer(p.cfg.StartupTimeout)
	defer timer.Stop()

	select {
	case <-g.ready:
		p.mu.Lock()
		if p.gen != g || p.state != StateStarting {
			p.mu.Unlock()
			return ErrPoolTerminated
		}
		p.state = StateReady
		p.readyAt = time.Now()
		p.mu.Unlock()

		go p.healthLoop(g)
		go p.pollLoop(g)

		p.logger.Info("worker pool ready")
		return nil

	case <-g.exited:
		return fmt.Errorf("%w: process exited before ready", ErrProcessSpawn)

	case <-timer.C:
		p.abort(g)
		return fmt.Errorf("%w: no ready signal within %s", ErrStartupTimeout, p.cfg.StartupTimeout)

	case <-ctx.Done():
		p.abort(g)
		return ctx.Err()
	}
}

// abort 终止启动失败的进程
func (p *Pool) abort(g *generation) {
	p.mu.Lock()
	if p.gen == g {
		p.stopping = true
		p.state = StateTerminated
	}
	g.stopLoops()
	p.mu.Unlock()

	if err := killProcessTree(g.cmd); err != nil {
		p.logger.Debug("kill worker process", zap.Error(err))
	}
	select {
	case <-g.exited:
	case <-time.After(p.cfg.ShutdownGrace):
		p.logger.Error("worker process did not exit after kill")
	}
}

// =============================================================================
// 📨 任务提交
// =============================================================================

// Submit 提交任务，返回可等待的句柄
func (p *Pool) Submit(ctx context.Context, payload any, priority int) (*Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode task payload: %w", err)
	}

	p.mu.Lock()
	if !p.state.Accepting() {
		p.mu.Unlock()
		return nil, ErrPoolNotReady
	}
	g := p.gen

	id := p.newID()
	for {
		if _, exists := p.pending[id]; !exists {
			break
		}
		id = p.newID()
	}

	task := &Task{
		id:          id,
		submittedAt: time.Now(),
		done:        make(chan outcome, 1),
		pool:        p,
	}
	timeout := p.cfg.TaskTimeout
	task.timer = time.AfterFunc(timeout, func() {
		if p.complete(id, outcome{err: fmt.Errorf("%w: task %s after %s", ErrTaskTimeout, id, timeout)}) {
			p.logger.Warn("worker task timed out", zap.String("task_id", id), zap.Duration("timeout", timeout))
		}
	})
	p.pending[id] = task
	p.mu.Unlock()

	p.submitted.Add(1)

	// 写入同样受任务截止时间约束
	sctx, cancel := context.WithTimeout(ctx, timeout)
	err = p.send(sctx, g, submitTaskCommand{
		Type:     CmdSubmitTask,
		TaskID:   id,
		Data:     data,
		Priority: priority,
	})
	cancel()
	if err != nil {
		var werr error
		switch {
		case ctx.Err() != nil:
			werr = ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			werr = fmt.Errorf("%w: task %s not accepted by worker within %s", ErrTaskTimeout, id, timeout)
		default:
			werr = fmt.Errorf("%w: %v", ErrPoolNotReady, err)
		}
		p.complete(id, outcome{err: werr})
		return nil, werr
	}

	return task, nil
}

// Do 提交任务并等待结果
func (p *Pool) Do(ctx context.Context, payload any, priority int) (json.RawMessage, error) {
	task, err := p.Submit(ctx, payload, priority)
	if err != nil {
		return nil, err
	}
	return task.Wait(ctx)
}

// complete 从待处理表移除任务并投递结果；只有第一次调用生效
func (p *Pool) complete(id string, o outcome) bool {
	p.mu.Lock()
	task, ok := p.pending[id]
	if ok {
		delete(p.pending, id)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}

	task.timer.Stop()
	switch {
	case o.err == nil:
		p.completed.Add(1)
		p.latencyTotal.Add(int64(time.Since(task.submittedAt)))
	case isTimeout(o.err):
		p.timedOut.Add(1)
		p.failed.Add(1)
	default:
		p.failed.Add(1)
	}
	task.done <- o
	return true
}

func isTimeout(err error) bool {
	return err != nil && errors.Is(err, ErrTaskTimeout)
}

// drainPendingLocked 取出全部待处理任务（调用方持有 mu）
func (p *Pool) drainPendingLocked() []*Task {
	tasks := make([]*Task, 0, len(p.pending))
	for id, task := range p.pending {
		tasks = append(tasks, task)
		delete(p.pending, id)
	}
	return tasks
}

func (p *Pool) rejectAll(tasks []*Task, err error) {
	for _, task := range tasks {
		task.timer.Stop()
		p.failed.Add(1)
		task.done <- outcome{err: err}
	}
}

// send 把命令放入写队列；队列满时等待，直到 ctx 结束或本代进程停止
func (p *Pool) send(ctx context.Context, g *generation, cmd any) error {
	data, err := encodeCommand(cmd)
	if err != nil {
		return err
	}
	select {
	case <-g.stop:
		return ErrPoolTerminated
	default:
	}
	select {
	case g.writes <- data:
		return nil
	case <-g.stop:
		return ErrPoolTerminated
	case <-ctx.Done():
		return ctx.Err()
	}
}

// trySend 非阻塞入队，队列已满时返回 false
func (p *Pool) trySend(g *generation, cmd any) bool {
	data, err := encodeCommand(cmd)
	if err != nil {
		return false
	}
	select {
	case g.writes <- data:
		return true
	default:
		return false
	}
}

// writeLoop 是 stdin 的唯一写入者。g.stop 关闭后写完已入队的命令并关闭 stdin；
// 子进程不读 stdin 时 Write 会一直阻塞，直到进程被终止
func (p *Pool) writeLoop(g *generation) {
	defer func() { _ = g.stdin.Close() }()

	write := func(data []byte) bool {
		if _, err := g.stdin.Write(data); err != nil {
			p.logger.Debug("write worker stdin failed", zap.Error(err))
			return false
		}
		return true
	}

	for {
		select {
		case data := <-g.writes:
			if !write(data) {
				return
			}
		case <-g.stop:
			for {
				select {
				case data := <-g.writes:
					if !write(data) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// =============================================================================
// 📥 输出读取
// =============================================================================

func (p *Pool) readLoop(g *generation, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		p.handleLine(g, scanner.Bytes())
	}
	if err := scanner.Err(); err != nil {
		p.logger.Warn("worker stdout read failed", zap.Error(err))
		_, _ = io.Copy(io.Discard, r)
	}
}

func (p *Pool) stderrLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		p.logger.Warn("worker stderr", zap.String("line", scanner.Text()))
	}
	_, _ = io.Copy(io.Discard, r)
}

func (p *Pool) handleLine(g *generation, line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	p.acknowledgeHealth(g)

	msg, err := DecodeMessage(line)
	if err != nil {
		p.logger.Debug("ignoring non-protocol worker output", zap.ByteString("line", truncate(line, 256)))
		return
	}

	switch msg.Type {
	case MsgReady:
		g.readyOnce.Do(func() { close(g.ready) })

	case MsgTaskSubmitted:
		p.logger.Debug("worker acknowledged task",
			zap.String("task_id", msg.TaskID),
			zap.Float64("submission_latency", msg.SubmissionLatency),
		)

	case MsgTaskResult:
		o := outcome{result: msg.Result}
		if msg.Status != StatusSuccess {
			o = outcome{err: &TaskError{TaskID: msg.TaskID, Status: msg.Status, Message: msg.Error}}
		}
		if !p.complete(msg.TaskID, o) {
			p.logger.Debug("ignoring result for unknown or expired task", zap.String("task_id", msg.TaskID))
		}

	case MsgNoResult:

	case MsgMetrics:
		p.mu.Lock()
		ch := p.metricsCh
		p.mu.Unlock()
		if ch != nil {
			select {
			case ch <- msg:
			default:
			}
		}

	case MsgError:
		if msg.TaskID != "" {
			p.complete(msg.TaskID, outcome{err: &TaskError{TaskID: msg.TaskID, Status: MsgError, Message: msg.Error}})
			return
		}
		p.logger.Warn("worker reported error", zap.String("error", msg.Error))

	default:
		p.logger.Debug("ignoring unknown worker message", zap.String("type", msg.Type))
	}
}

// handleExit 进程退出后的清理；意外退出时拒绝所有待处理任务
func (p *Pool) handleExit(g *generation, waitErr error) {
	p.mu.Lock()
	close(g.exited)
	g.stopLoops()
	if p.gen != g {
		p.mu.Unlock()
		return
	}
	unexpected := !p.stopping
	p.state = StateTerminated
	tasks := p.drainPendingLocked()
	p.mu.Unlock()

	p.rejectAll(tasks, fmt.Errorf("%w: worker process exited", ErrPoolTerminated))

	if unexpected {
		p.logger.Error("worker process exited unexpectedly",
			zap.Error(waitErr),
			zap.Int("rejected_tasks", len(tasks)),
		)
		return
	}
	p.logger.Info("worker process exited", zap.Error(waitErr))
}

// =============================================================================
// 💓 健康检查与轮询
// =============================================================================

func (p *Pool) acknowledgeHealth(g *generation) {
	p.healthPending.Store(false)
	if int(p.missedHealth.Swap(0)) < p.cfg.HealthFailureThreshold {
		return
	}
	p.mu.Lock()
	recovered := p.gen == g && p.state == StateDegraded
	if recovered {
		p.state = StateReady
	}
	p.mu.Unlock()
	if recovered {
		p.logger.Info("worker pool recovered from degraded state")
	}
}

func (p *Pool) healthLoop(g *generation) {
	if p.cfg.HealthInterval <= 0 {
		return
	}
	ticker := time.NewTicker(p.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			if p.healthPending.Load() {
				missed := int(p.missedHealth.Add(1))
				if missed == p.cfg.HealthFailureThreshold {
					p.markDegraded(g, missed)
				}
			}
			// 写队列已满同样记为一次未确认
			p.healthPending.Store(true)
			if !p.trySend(g, controlCommand{Type: CmdHealthCheck}) {
				p.logger.Debug("health_check dropped, write queue full")
			}
		}
	}
}

func (p *Pool) markDegraded(g *generation, missed int) {
	p.mu.Lock()
	degraded := p.gen == g && p.state == StateReady
	if degraded {
		p.state = StateDegraded
	}
	p.mu.Unlock()
	if degraded {
		p.logger.Warn("worker pool degraded", zap.Int("missed_health_checks", missed))
	}
}

// pollLoop 仅在存在待处理任务时批量发送 get_result
func (p *Pool) pollLoop(g *generation) {
	if p.cfg.PollInterval <= 0 {
		return
	}
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	cmd := getResultCommand{Type: CmdGetResult, Timeout: p.cfg.PollInterval.Seconds()}
	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			if p.PendingCount() == 0 {
				continue
			}
			if !p.trySend(g, cmd) {
				p.logger.Debug("get_result dropped, write queue full")
			}
		}
	}
}

// =============================================================================
// 📊 指标
// =============================================================================

// GetMetrics 向子进程查询指标，并合并池自身的计数
func (p *Pool) GetMetrics(ctx context.Context) (Metrics, error) {
	p.metricsMu.Lock()
	defer p.metricsMu.Unlock()

	p.mu.Lock()
	if !p.state.Accepting() {
		p.mu.Unlock()
		return Metrics{}, ErrPoolNotReady
	}
	g := p.gen
	ch := make(chan Message, 1)
	p.metricsCh = ch
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.metricsCh = nil
		p.mu.Unlock()
	}()

	mctx, cancel := context.WithTimeout(ctx, p.cfg.MetricsTimeout)
	defer cancel()

	err := p.send(mctx, g, controlCommand{Type: CmdGetMetrics})
	if err == nil {
		select {
		case msg := <-ch:
			return p.mergeWorkerMetrics(msg.Fields), nil
		case <-g.exited:
			return Metrics{}, ErrPoolTerminated
		case <-mctx.Done():
			err = mctx.Err()
		}
	}
	switch {
	case ctx.Err() != nil:
		return Metrics{}, ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		return Metrics{}, fmt.Errorf("%w: no response within %s", ErrMetricsTimeout, p.cfg.MetricsTimeout)
	default:
		return Metrics{}, err
	}
}

// =============================================================================
// 🛑 关闭
// =============================================================================

// Shutdown 发送 shutdown 命令，宽限期后强制终止；所有待处理任务以 ErrPoolTerminated 拒绝
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	switch p.state {
	case StateUnstarted:
		p.state = StateTerminated
		p.mu.Unlock()
		return nil
	case StateTerminated:
		p.mu.Unlock()
		return nil
	}
	g := p.gen
	p.stopping = true
	p.state = StateTerminated
	tasks := p.drainPendingLocked()
	p.mu.Unlock()

	p.rejectAll(tasks, ErrPoolTerminated)

	// 写入由 writeLoop 完成，这里不等待；卡住的写在进程被终止后返回
	if !p.trySend(g, controlCommand{Type: CmdShutdown}) {
		p.logger.Debug("shutdown command dropped, write queue full")
	}
	g.stopLoops()

	timer := time.NewTimer(p.cfg.ShutdownGrace)
	defer timer.Stop()

	select {
	case <-g.exited:
		p.logger.Info("worker pool shut down", zap.Int("rejected_tasks", len(tasks)))
		return nil
	case <-timer.C:
		p.logger.Warn("worker process ignored shutdown, killing", zap.Duration("grace", p.cfg.ShutdownGrace))
	case <-ctx.Done():
		p.logger.Warn("shutdown context done, killing worker process")
	}

	if err := killProcessTree(g.cmd); err != nil {
		p.logger.Error("kill worker process failed", zap.Error(err))
	}
	select {
	case <-g.exited:
		return nil
	case <-time.After(p.cfg.ShutdownGrace):
		return fmt.Errorf("worker process %d did not exit after kill", g.cmd.Process.Pid)
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
