package canvas

import (
	"context"
	"fmt"
	"time"
)

// Command：可逆变更的封闭接口。三种实现：
// - entityCommand     单实体的 create/update/delete
// - BatchCommand      有序子命令组成的复合命令（一个撤销槽位）
// - ExternalCommand   外部协作方（如自动化 agent）事后登记的前后快照对
type Command interface {
	Execute(ctx context.Context) error
	Undo(ctx context.Context) error
	Redo(ctx context.Context) error
	Description() string
	Metadata() *CommandMetadata
}

type CommandMetadata struct {
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
}

type entityCmdKind int

const (
	cmdCreate entityCmdKind = iota
	cmdUpdate
	cmdDelete
)

// 单实体命令。before/after 是完整快照，undo/redo 原样还原
//（包括 z 序和审计字段，不重新分配）。
type entityCommand struct {
	repo     *Repository
	canvasID string
	kind     entityCmdKind
	before   *Entity
	after    *Entity
	desc     string
	meta     CommandMetadata
}

func NewCreateCommand(repo *Repository, canvasID string, e *Entity) Command {
	return &entityCommand{
		repo: repo, canvasID: canvasID, kind: cmdCreate,
		after: e,
		desc:  fmt.Sprintf("create %s %s", e.Type, e.ID),
	}
}

func NewUpdateCommand(repo *Repository, canvasID string, before, after *Entity) Command {
	return &entityCommand{
		repo: repo, canvasID: canvasID, kind: cmdUpdate,
		before: before, after: after,
		desc: fmt.Sprintf("update %s %s", after.Type, after.ID),
	}
}

func NewDeleteCommand(repo *Repository, canvasID string, snapshot *Entity) Command {
	return &entityCommand{
		repo: repo, canvasID: canvasID, kind: cmdDelete,
		before: snapshot,
		desc:   fmt.Sprintf("delete %s %s", snapshot.Type, snapshot.ID),
	}
}

func (c *entityCommand) Description() string        { return c.desc }
func (c *entityCommand) Metadata() *CommandMetadata { return &c.meta }

func (c *entityCommand) Execute(ctx context.Context) error {
	switch c.kind {
	case cmdCreate:
		return c.repo.CreateEntity(ctx, c.canvasID, c.after, c.meta.Actor)
	case cmdUpdate:
		return c.repo.UpdateEntity(ctx, c.canvasID, c.after, c.meta.Actor)
	case cmdDelete:
		return c.repo.DeleteEntity(ctx, c.canvasID, c.before.ID)
	}
	return nil
}

func (c *entityCommand) Undo(ctx context.Context) error {
	switch c.kind {
	case cmdCreate:
		return c.repo.DeleteEntity(ctx, c.canvasID, c.after.ID)
	case cmdUpdate:
		return c.repo.RestoreEntities(ctx, c.canvasID, []*Entity{c.before}, nil)
	case cmdDelete:
		return c.repo.RestoreEntities(ctx, c.canvasID, []*Entity{c.before}, nil)
	}
	return nil
}

func (c *entityCommand) Redo(ctx context.Context) error {
	switch c.kind {
	case cmdCreate, cmdUpdate:
		return c.repo.RestoreEntities(ctx, c.canvasID, []*Entity{c.after}, nil)
	case cmdDelete:
		return c.repo.DeleteEntity(ctx, c.canvasID, c.before.ID)
	}
	return nil
}

// BatchCommand：StartBatch/EndBatch 攒出来的复合命令。
// Undo 逆序、Redo 正序逐个执行——多实体原子回退，只占一个撤销槽位。
type BatchCommand struct {
	commands []Command
	desc     string
	meta     CommandMetadata
}

func NewBatchCommand(description string, commands []Command) *BatchCommand {
	return &BatchCommand{commands: commands, desc: description}
}

func (b *BatchCommand) Description() string        { return b.desc }
func (b *BatchCommand) Metadata() *CommandMetadata { return &b.meta }
func (b *BatchCommand) Len() int                   { return len(b.commands) }

func (b *BatchCommand) Execute(ctx context.Context) error {
	for _, c := range b.commands {
		if err := c.Execute(ctx); err != nil {
			return fmt.Errorf("batch %q: %w", b.desc, err)
		}
	}
	return nil
}

func (b *BatchCommand) Undo(ctx context.Context) error {
	for i := len(b.commands) - 1; i >= 0; i-- {
		if err := b.commands[i].Undo(ctx); err != nil {
			return fmt.Errorf("batch %q undo at %d: %w", b.desc, i, err)
		}
	}
	return nil
}

func (b *BatchCommand) Redo(ctx context.Context) error {
	for _, c := range b.commands {
		if err := c.Redo(ctx); err != nil {
			return fmt.Errorf("batch %q redo: %w", b.desc, err)
		}
	}
	return nil
}

// 批量建删用专门的命令而不是 N 个单实体命令的复合：
// undo/redo 必须还是一次多路径写，500 个实体不能退化成 500 次顺序写。
type batchCreateCommand struct {
	repo     *Repository
	canvasID string
	entities []*Entity
	desc     string
	meta     CommandMetadata
}

func NewBatchCreateCommand(repo *Repository, canvasID string, entities []*Entity) Command {
	return &batchCreateCommand{
		repo: repo, canvasID: canvasID, entities: entities,
		desc: fmt.Sprintf("create %d entities", len(entities)),
	}
}

func (c *batchCreateCommand) Description() string        { return c.desc }
func (c *batchCreateCommand) Metadata() *CommandMetadata { return &c.meta }

func (c *batchCreateCommand) Execute(ctx context.Context) error {
	return c.repo.BatchCreate(ctx, c.canvasID, c.entities, c.meta.Actor)
}

func (c *batchCreateCommand) Undo(ctx context.Context) error {
	ids := make([]string, len(c.entities))
	for i, e := range c.entities {
		ids[i] = e.ID
	}
	return c.repo.RestoreEntities(ctx, c.canvasID, nil, ids)
}

func (c *batchCreateCommand) Redo(ctx context.Context) error {
	return c.repo.RestoreEntities(ctx, c.canvasID, c.entities, nil)
}

type batchDeleteCommand struct {
	repo      *Repository
	canvasID  string
	entityIDs []string
	// Execute 时捕获，undo 原样重建
	snapshots []*Entity
	desc      string
	meta      CommandMetadata
}

func NewBatchDeleteCommand(repo *Repository, canvasID string, entityIDs []string) Command {
	return &batchDeleteCommand{
		repo: repo, canvasID: canvasID, entityIDs: entityIDs,
		desc: fmt.Sprintf("delete %d entities", len(entityIDs)),
	}
}

func (c *batchDeleteCommand) Description() string        { return c.desc }
func (c *batchDeleteCommand) Metadata() *CommandMetadata { return &c.meta }

func (c *batchDeleteCommand) Execute(ctx context.Context) error {
	snaps, err := c.repo.BatchDelete(ctx, c.canvasID, c.entityIDs)
	if err != nil {
		return err
	}
	c.snapshots = snaps
	return nil
}

func (c *batchDeleteCommand) Undo(ctx context.Context) error {
	return c.repo.RestoreEntities(ctx, c.canvasID, c.snapshots, nil)
}

func (c *batchDeleteCommand) Redo(ctx context.Context) error {
	return c.repo.RestoreEntities(ctx, c.canvasID, nil, c.entityIDs)
}

// 外部操作的前后快照对。Before=nil 是新建，After=nil 是删除。
type SnapshotPair struct {
	EntityID string
	Before   *Entity
	After    *Entity
}

// ExternalCommand：效果已经发生在引擎外面（比如 AI agent 直接改了实体），
// 事后从快照对构造出来登记进时间线。Execute/Redo 重放 after 态，Undo 重放 before 态。
type ExternalCommand struct {
	repo     *Repository
	canvasID string
	pairs    []SnapshotPair
	desc     string
	meta     CommandMetadata
}

func NewExternalCommand(repo *Repository, canvasID, description string, pairs []SnapshotPair) *ExternalCommand {
	return &ExternalCommand{repo: repo, canvasID: canvasID, pairs: pairs, desc: description}
}

func (c *ExternalCommand) Description() string        { return c.desc }
func (c *ExternalCommand) Metadata() *CommandMetadata { return &c.meta }

func (c *ExternalCommand) applyAfter(ctx context.Context) error {
	var upserts []*Entity
	var deletes []string
	for _, p := range c.pairs {
		if p.After != nil {
			upserts = append(upserts, p.After)
		} else {
			deletes = append(deletes, p.EntityID)
		}
	}
	return c.repo.RestoreEntities(ctx, c.canvasID, upserts, deletes)
}

// Execute 与 Redo 相同：重放 after 态。
// 正常路径不会调用 Execute（效果已经发生），但接口要求语义完整。
func (c *ExternalCommand) Execute(ctx context.Context) error { return c.applyAfter(ctx) }
func (c *ExternalCommand) Redo(ctx context.Context) error    { return c.applyAfter(ctx) }

func (c *ExternalCommand) Undo(ctx context.Context) error {
	var upserts []*Entity
	var deletes []string
	for _, p := range c.pairs {
		if p.Before != nil {
			upserts = append(upserts, p.Before)
		} else {
			deletes = append(deletes, p.EntityID)
		}
	}
	return c.repo.RestoreEntities(ctx, c.canvasID, upserts, deletes)
}
