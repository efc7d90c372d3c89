package canvas

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// 撤销/重做栈默认容量，溢出时淘汰最老的
const DefaultHistoryCapacity = 1000

var (
	ErrNothingToUndo = errors.New("NOTHING_TO_UNDO")
	ErrNothingToRedo = errors.New("NOTHING_TO_REDO")
	ErrBatchActive   = errors.New("BATCH_ALREADY_ACTIVE")
	ErrNoBatchActive = errors.New("NO_BATCH_ACTIVE")
	ErrBadRevertIdx  = errors.New("REVERT_INDEX_OUT_OF_RANGE")
)

// 历史视图里的一条记录
type HistoryEntry struct {
	Index       int       `json:"index"`
	Description string    `json:"description"`
	Status      string    `json:"status"` // "done" / "undone"
	Timestamp   time.Time `json:"timestamp"`
	Actor       string    `json:"actor"`
	// 当前栈指针位置
	Current bool `json:"current"`
}

// History：按画布会话构造的命令历史引擎（不是全局单例，可注入可独立测试）。
// 不变式：执行新命令总是清空 redo 栈，分叉的历史不保留。
type History struct {
	mu       sync.Mutex
	undo     []Command
	redo     []Command
	capacity int

	inBatch   bool
	batchDesc string
	batch     []Command

	listeners []func()
}

func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &History{capacity: capacity}
}

// OnChange 注册历史变更监听（UI 用来刷新按钮态/历史面板）。
func (h *History) OnChange(fn func()) {
	h.mu.Lock()
	h.listeners = append(h.listeners, fn)
	h.mu.Unlock()
}

func (h *History) notifyLocked() []func() {
	return append([]func(){}, h.listeners...)
}

func fire(fns []func()) {
	for _, f := range fns {
		f()
	}
}

// Execute：盖时间戳和操作者，执行，入栈。
// 批量模式开着就进 pending 列表，不直接占栈位。
func (h *History) Execute(ctx context.Context, cmd Command, actorID string) error {
	meta := cmd.Metadata()
	meta.Timestamp = time.Now()
	meta.Actor = actorID

	if err := cmd.Execute(ctx); err != nil {
		return err
	}

	h.mu.Lock()
	if h.inBatch {
		h.batch = append(h.batch, cmd)
		h.mu.Unlock()
		return nil
	}
	h.pushLocked(cmd)
	fns := h.notifyLocked()
	h.mu.Unlock()
	fire(fns)
	return nil
}

// pushLocked：入 undo 栈，清 redo 栈，容量淘汰。
func (h *History) pushLocked(cmd Command) {
	h.undo = append(h.undo, cmd)
	h.redo = h.redo[:0]
	if len(h.undo) > h.capacity {
		// 丢最老的
		copy(h.undo, h.undo[1:])
		h.undo = h.undo[:len(h.undo)-1]
	}
}

// Undo：失败时命令放回 undo 栈顶，不丢操作，错误冒泡。
func (h *History) Undo(ctx context.Context) error {
	h.mu.Lock()
	if len(h.undo) == 0 {
		h.mu.Unlock()
		return ErrNothingToUndo
	}
	cmd := h.undo[len(h.undo)-1]
	h.undo = h.undo[:len(h.undo)-1]
	h.mu.Unlock()

	if err := cmd.Undo(ctx); err != nil {
		h.mu.Lock()
		h.undo = append(h.undo, cmd)
		h.mu.Unlock()
		return fmt.Errorf("undo %q: %w", cmd.Description(), err)
	}

	h.mu.Lock()
	h.redo = append(h.redo, cmd)
	fns := h.notifyLocked()
	h.mu.Unlock()
	fire(fns)
	return nil
}

// Redo：对称的。
func (h *History) Redo(ctx context.Context) error {
	h.mu.Lock()
	if len(h.redo) == 0 {
		h.mu.Unlock()
		return ErrNothingToRedo
	}
	cmd := h.redo[len(h.redo)-1]
	h.redo = h.redo[:len(h.redo)-1]
	h.mu.Unlock()

	if err := cmd.Redo(ctx); err != nil {
		h.mu.Lock()
		h.redo = append(h.redo, cmd)
		h.mu.Unlock()
		return fmt.Errorf("redo %q: %w", cmd.Description(), err)
	}

	h.mu.Lock()
	h.undo = append(h.undo, cmd)
	fns := h.notifyLocked()
	h.mu.Unlock()
	fire(fns)
	return nil
}

func (h *History) StartBatch(description string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.inBatch {
		return ErrBatchActive
	}
	h.inBatch = true
	h.batchDesc = description
	h.batch = nil
	return nil
}

// EndBatch：把攒下的 N 条命令包成一个复合命令，恰好占一个撤销槽位。
// 子命令都已经执行过了，这里不再执行。空批直接丢弃。
func (h *History) EndBatch(actorID string) error {
	h.mu.Lock()
	if !h.inBatch {
		h.mu.Unlock()
		return ErrNoBatchActive
	}
	h.inBatch = false
	cmds := h.batch
	desc := h.batchDesc
	h.batch = nil
	if len(cmds) == 0 {
		h.mu.Unlock()
		return nil
	}
	composite := NewBatchCommand(desc, cmds)
	composite.meta = CommandMetadata{Timestamp: time.Now(), Actor: actorID}
	h.pushLocked(composite)
	fns := h.notifyLocked()
	h.mu.Unlock()
	fire(fns)
	return nil
}

// RegisterExternal：效果已发生的外部命令直接登记上栈，不调用 Execute。
// 照样清 redo 栈、照样参与容量淘汰——和本地命令同一条时间线。
func (h *History) RegisterExternal(cmd Command, actorID string) {
	meta := cmd.Metadata()
	meta.Timestamp = time.Now()
	meta.Actor = actorID

	h.mu.Lock()
	h.pushLocked(cmd)
	fns := h.notifyLocked()
	h.mu.Unlock()
	fire(fns)
}

// Position：当前栈指针 = len(undo)-1（-1 表示全部已撤销）。
func (h *History) Position() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.undo) - 1
}

func (h *History) CanUndo() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.undo) > 0
}

func (h *History) CanRedo() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.redo) > 0
}

// RevertToPoint：回到历史上的任意位置。
// 不做直接跳转——命令可能有顺序相关的副作用，必须按 LIFO/FIFO 逐条回放。
func (h *History) RevertToPoint(ctx context.Context, targetIndex int) error {
	h.mu.Lock()
	total := len(h.undo) + len(h.redo)
	pos := len(h.undo) - 1
	h.mu.Unlock()

	if targetIndex < -1 || targetIndex >= total {
		return fmt.Errorf("%w: %d (history size %d)", ErrBadRevertIdx, targetIndex, total)
	}
	for pos > targetIndex {
		if err := h.Undo(ctx); err != nil {
			return err
		}
		pos--
	}
	for pos < targetIndex {
		if err := h.Redo(ctx); err != nil {
			return err
		}
		pos++
	}
	return nil
}

// FullHistory：undo 栈（done）+ redo 栈逆序（undone）合成的时间序视图，
// 带当前位置标记。给历史面板和"这步还生效吗"查询用。
func (h *History) FullHistory() []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]HistoryEntry, 0, len(h.undo)+len(h.redo))
	for i, cmd := range h.undo {
		m := cmd.Metadata()
		out = append(out, HistoryEntry{
			Index:       i,
			Description: cmd.Description(),
			Status:      "done",
			Timestamp:   m.Timestamp,
			Actor:       m.Actor,
			Current:     i == len(h.undo)-1,
		})
	}
	// redo 栈顶是"最早被撤销的下一步"，时间序上要倒着读
	for i := len(h.redo) - 1; i >= 0; i-- {
		cmd := h.redo[i]
		m := cmd.Metadata()
		out = append(out, HistoryEntry{
			Index:       len(h.undo) + (len(h.redo) - 1 - i),
			Description: cmd.Description(),
			Status:      "undone",
			Timestamp:   m.Timestamp,
			Actor:       m.Actor,
		})
	}
	return out
}

// Clear：清空两个栈（例如切换画布时）。
func (h *History) Clear() {
	h.mu.Lock()
	h.undo = nil
	h.redo = nil
	h.batch = nil
	h.inBatch = false
	fns := h.notifyLocked()
	h.mu.Unlock()
	fire(fns)
}
