package storage

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"prism-core/domain"
)

// maxBatchActions is the table service limit for one entity group
// transaction.
const maxBatchActions = 100

// TableStore keeps tasks and subtasks in a single Azure table. Transactions
// are optimistic: reads record ETags and the commit is one partition batch
// whose actions all carry If-Match.
type TableStore struct {
	items *aztables.Client
}

// NewTableStore creates a TableStore from the given connection string.
func NewTableStore(connStr, itemsTable string) (*TableStore, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &TableStore{items: svc.NewClient(itemsTable)}, nil
}

// isConflict reports whether err means another writer got there first.
func isConflict(err error) bool {
	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) {
		return false
	}
	switch respErr.StatusCode {
	case 409, 412:
		return true
	}
	return respErr.ErrorCode == string(aztables.UpdateConditionNotSatisfied) ||
		respErr.ErrorCode == string(aztables.EntityAlreadyExists)
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == 404
}

func (s *TableStore) query(ctx context.Context, filter string, top int32) ([]itemEntity, error) {
	opts := &aztables.ListEntitiesOptions{Filter: &filter}
	if top > 0 {
		opts.Top = &top
	}
	pager := s.items.NewListEntitiesPager(opts)
	var out []itemEntity
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			ent, err := decodeEntity(raw)
			if err != nil {
				return nil, err
			}
			out = append(out, ent)
		}
		if top > 0 && len(out) >= int(top) {
			break
		}
	}
	return out, nil
}

// RunInTransaction implements domain.Store.
func (s *TableStore) RunInTransaction(ctx context.Context, partition string, fn func(tx domain.Tx) error) error {
	tx := newTableTx(s, partition)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit(ctx)
}

func (s *TableStore) findTaskEntity(ctx context.Context, taskID string) (*itemEntity, error) {
	ents, err := s.query(ctx, "RowKey eq "+odataString(taskRowKey(taskID)), 1)
	if err != nil {
		return nil, fmt.Errorf("locate task %s: %w", taskID, err)
	}
	if len(ents) == 0 {
		return nil, nil
	}
	return &ents[0], nil
}

func (s *TableStore) LocateTask(ctx context.Context, taskID string) (string, error) {
	ent, err := s.findTaskEntity(ctx, taskID)
	if err != nil {
		return "", err
	}
	if ent == nil {
		return "", fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
	}
	return ent.PartitionKey, nil
}

func (s *TableStore) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	ent, err := s.findTaskEntity(ctx, taskID)
	if err != nil || ent == nil {
		return nil, err
	}
	t, err := decodeTask(*ent)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTasks returns every task of the owner across category and board
// partitions.
func (s *TableStore) ListTasks(ctx context.Context, ownerID string) ([]domain.Task, error) {
	ents, err := s.query(ctx, fmt.Sprintf("Kind eq '%s' and OwnerID eq %s", kindTask, odataString(ownerID)), 0)
	if err != nil {
		return nil, err
	}
	return decodeTasks(ents)
}

func (s *TableStore) ListScopeTasks(ctx context.Context, scope domain.Scope) ([]domain.Task, error) {
	ents, err := s.query(ctx, scopeFilter(scope), 0)
	if err != nil {
		return nil, err
	}
	tasks, err := decodeTasks(ents)
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(tasks, func(a, b domain.Task) int { return cmp.Compare(a.Position, b.Position) })
	return tasks, nil
}

func (s *TableStore) ListSubtasks(ctx context.Context, taskID string) ([]domain.Subtask, error) {
	ents, err := s.query(ctx, fmt.Sprintf("Kind eq '%s' and TaskID eq %s", kindSubtask, odataString(taskID)), 0)
	if err != nil {
		return nil, err
	}
	subs := make([]domain.Subtask, 0, len(ents))
	for _, ent := range ents {
		st, err := decodeSubtask(ent)
		if err != nil {
			return nil, err
		}
		subs = append(subs, st)
	}
	slices.SortStableFunc(subs, func(a, b domain.Subtask) int { return cmp.Compare(a.Position, b.Position) })
	return subs, nil
}

func decodeTasks(ents []itemEntity) ([]domain.Task, error) {
	tasks := make([]domain.Task, 0, len(ents))
	for _, ent := range ents {
		t, err := decodeTask(ent)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// staged is the transaction's view of one task or subtask row.
type staged struct {
	task    *domain.Task
	sub     *domain.Subtask
	etag    string // empty when the row does not exist yet
	dirty   bool
	deleted bool
}

// scopeLock is the lock row of one scope. Every transaction that writes to a
// scope bumps its version, so two transactions that read the same scope
// cannot both commit.
type scopeLock struct {
	version int64
	etag    string
}

type tableTx struct {
	store     *TableStore
	partition string
	rows      map[string]*staged
	locks     map[string]*scopeLock
	loaded    map[string]bool
}

func newTableTx(s *TableStore, partition string) *tableTx {
	return &tableTx{
		store:     s,
		partition: partition,
		rows:      map[string]*staged{},
		locks:     map[string]*scopeLock{},
		loaded:    map[string]bool{},
	}
}

func (tx *tableTx) checkPartition(scope domain.Scope) error {
	if scope.Partition != tx.partition {
		return fmt.Errorf("scope %s outside transaction partition %s", scope, tx.partition)
	}
	return nil
}

// lock reads the lock row of scope once per transaction.
func (tx *tableTx) lock(ctx context.Context, scope domain.Scope) error {
	key := lockRowKey(scope)
	if _, ok := tx.locks[key]; ok {
		return nil
	}
	l := &scopeLock{}
	if tx.store != nil {
		resp, err := tx.store.items.GetEntity(ctx, tx.partition, key, nil)
		switch {
		case isNotFound(err):
		case err != nil:
			return fmt.Errorf("read lock %s: %w", key, err)
		default:
			ent, err := decodeEntity(resp.Value)
			if err != nil {
				return err
			}
			l.version = ent.Version
			l.etag = string(resp.ETag)
		}
	}
	tx.locks[key] = l
	return nil
}

func (tx *tableTx) adopt(ent itemEntity) error {
	if _, ok := tx.rows[ent.RowKey]; ok {
		return nil
	}
	row := &staged{etag: ent.ETag}
	switch ent.Kind {
	case kindTask:
		t, err := decodeTask(ent)
		if err != nil {
			return err
		}
		row.task = &t
	case kindSubtask:
		s, err := decodeSubtask(ent)
		if err != nil {
			return err
		}
		row.sub = &s
	default:
		return nil
	}
	tx.rows[ent.RowKey] = row
	return nil
}

// loadScope pulls every stored member of scope into the transaction. Rows
// already staged keep their staged state.
func (tx *tableTx) loadScope(ctx context.Context, scope domain.Scope) error {
	if err := tx.checkPartition(scope); err != nil {
		return err
	}
	if err := tx.lock(ctx, scope); err != nil {
		return err
	}
	if tx.loaded[scope.Key()] || tx.store == nil {
		tx.loaded[scope.Key()] = true
		return nil
	}
	ents, err := tx.store.query(ctx, scopeFilter(scope), 0)
	if err != nil {
		return fmt.Errorf("load scope %s: %w", scope, err)
	}
	for _, ent := range ents {
		if err := tx.adopt(ent); err != nil {
			return err
		}
	}
	tx.loaded[scope.Key()] = true
	return nil
}

func inScope(row *staged, scope domain.Scope) bool {
	if row.deleted {
		return false
	}
	if scope.Kind == domain.ScopeSubtasks {
		return row.sub != nil && row.sub.TaskID == scope.List
	}
	return row.task != nil && row.task.Scope() == scope
}

func (tx *tableTx) LoadScopeMembers(ctx context.Context, scope domain.Scope) ([]domain.Member, error) {
	if err := tx.loadScope(ctx, scope); err != nil {
		return nil, err
	}
	var members []domain.Member
	for _, row := range tx.rows {
		if !inScope(row, scope) {
			continue
		}
		if row.task != nil {
			members = append(members, domain.Member{ID: row.task.ID, Position: row.task.Position})
		} else {
			members = append(members, domain.Member{ID: row.sub.ID, Position: row.sub.Position})
		}
	}
	slices.SortFunc(members, func(a, b domain.Member) int {
		if c := cmp.Compare(a.Position, b.Position); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return members, nil
}

func rowKeyFor(scope domain.Scope, id string) string {
	if scope.Kind == domain.ScopeSubtasks {
		return subtaskRowKey(id)
	}
	return taskRowKey(id)
}

func (tx *tableTx) SaveScopePositions(ctx context.Context, scope domain.Scope, members []domain.Member) error {
	if err := tx.loadScope(ctx, scope); err != nil {
		return err
	}
	for _, m := range members {
		row := tx.rows[rowKeyFor(scope, m.ID)]
		if row == nil || row.deleted {
			return fmt.Errorf("item %s: %w", m.ID, domain.ErrNotFound)
		}
		if row.task != nil {
			if from := row.task.Scope(); from != scope {
				if err := tx.lock(ctx, from); err != nil {
					return err
				}
			}
			row.task.AssignScope(scope)
			row.task.Position = m.Position
		} else {
			row.sub.TaskID = scope.List
			row.sub.Position = m.Position
		}
		row.dirty = true
	}
	return nil
}

func (tx *tableTx) RemoveMember(ctx context.Context, scope domain.Scope, id string) error {
	if err := tx.loadScope(ctx, scope); err != nil {
		return err
	}
	row := tx.rows[rowKeyFor(scope, id)]
	if row == nil || !inScope(row, scope) {
		return fmt.Errorf("item %s in %s: %w", id, scope, domain.ErrNotFound)
	}
	row.deleted = true
	return nil
}

func (tx *tableTx) LoadTask(ctx context.Context, id string) (*domain.Task, error) {
	key := taskRowKey(id)
	if row, ok := tx.rows[key]; ok {
		if row.deleted || row.task == nil {
			return nil, nil
		}
		c := row.task.Clone()
		return &c, nil
	}
	if tx.store == nil {
		return nil, nil
	}
	resp, err := tx.store.items.GetEntity(ctx, tx.partition, key, nil)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", id, err)
	}
	ent, err := decodeEntity(resp.Value)
	if err != nil {
		return nil, err
	}
	ent.ETag = string(resp.ETag)
	if err := tx.adopt(ent); err != nil {
		return nil, err
	}
	c := tx.rows[key].task.Clone()
	return &c, nil
}

func (tx *tableTx) SaveTask(ctx context.Context, t domain.Task) error {
	scope := t.Scope()
	if err := tx.checkPartition(scope); err != nil {
		return err
	}
	if err := tx.lock(ctx, scope); err != nil {
		return err
	}
	key := taskRowKey(t.ID)
	c := t.Clone()
	row, ok := tx.rows[key]
	if !ok {
		row = &staged{}
		tx.rows[key] = row
	}
	if row.task != nil && row.task.Scope() != scope {
		if err := tx.lock(ctx, row.task.Scope()); err != nil {
			return err
		}
	}
	row.task = &c
	row.deleted = false
	row.dirty = true
	return nil
}

func (tx *tableTx) LoadSubtasksOf(ctx context.Context, taskID string) ([]domain.Subtask, error) {
	scope := domain.Scope{Kind: domain.ScopeSubtasks, Partition: tx.partition, List: taskID}
	if err := tx.loadScope(ctx, scope); err != nil {
		return nil, err
	}
	var subs []domain.Subtask
	for _, row := range tx.rows {
		if inScope(row, scope) {
			subs = append(subs, row.sub.Clone())
		}
	}
	slices.SortFunc(subs, func(a, b domain.Subtask) int { return cmp.Compare(a.Position, b.Position) })
	return subs, nil
}

func (tx *tableTx) SaveSubtask(ctx context.Context, s domain.Subtask) error {
	scope := domain.Scope{Kind: domain.ScopeSubtasks, Partition: tx.partition, List: s.TaskID}
	if err := tx.lock(ctx, scope); err != nil {
		return err
	}
	key := subtaskRowKey(s.ID)
	c := s.Clone()
	row, ok := tx.rows[key]
	if !ok {
		row = &staged{}
		tx.rows[key] = row
	}
	row.sub = &c
	row.deleted = false
	row.dirty = true
	return nil
}

func marshalEntity(v any) ([]byte, error) {
	return sonic.Marshal(v)
}

func ifMatch(etag string) *azcore.ETag {
	e := azcore.ETag(etag)
	return &e
}

// actions turns the staged writes into one batch. Nothing is written when
// the transaction only read.
func (tx *tableTx) actions() ([]aztables.TransactionAction, error) {
	var rowActions []aztables.TransactionAction
	keys := make([]string, 0, len(tx.rows))
	for k := range tx.rows {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, key := range keys {
		row := tx.rows[key]
		switch {
		case row.deleted && row.etag == "":
			continue
		case row.deleted:
			payload, err := marshalEntity(itemEntity{PartitionKey: tx.partition, RowKey: key})
			if err != nil {
				return nil, err
			}
			rowActions = append(rowActions, aztables.TransactionAction{ActionType: aztables.TransactionTypeDelete, Entity: payload, IfMatch: ifMatch(row.etag)})
		case row.dirty:
			var ent itemEntity
			if row.task != nil {
				var err error
				if ent, err = encodeTask(*row.task); err != nil {
					return nil, err
				}
			} else {
				ent = encodeSubtask(tx.partition, *row.sub)
			}
			payload, err := marshalEntity(ent)
			if err != nil {
				return nil, err
			}
			if row.etag == "" {
				rowActions = append(rowActions, aztables.TransactionAction{ActionType: aztables.TransactionTypeAdd, Entity: payload})
			} else {
				rowActions = append(rowActions, aztables.TransactionAction{ActionType: aztables.TransactionTypeUpdateReplace, Entity: payload, IfMatch: ifMatch(row.etag)})
			}
		}
	}
	if len(rowActions) == 0 {
		return nil, nil
	}

	lockKeys := make([]string, 0, len(tx.locks))
	for k := range tx.locks {
		lockKeys = append(lockKeys, k)
	}
	slices.Sort(lockKeys)
	actions := make([]aztables.TransactionAction, 0, len(lockKeys)+len(rowActions))
	for _, key := range lockKeys {
		l := tx.locks[key]
		payload, err := marshalEntity(itemEntity{
			PartitionKey: tx.partition,
			RowKey:       key,
			Kind:         kindLock,
			Version:      l.version + 1,
			VersionType:  EdmInt64,
		})
		if err != nil {
			return nil, err
		}
		if l.etag == "" {
			actions = append(actions, aztables.TransactionAction{ActionType: aztables.TransactionTypeAdd, Entity: payload})
		} else {
			actions = append(actions, aztables.TransactionAction{ActionType: aztables.TransactionTypeUpdateReplace, Entity: payload, IfMatch: ifMatch(l.etag)})
		}
	}
	actions = append(actions, rowActions...)
	if len(actions) > maxBatchActions {
		return nil, fmt.Errorf("transaction on %s needs %d writes, limit is %d", tx.partition, len(actions), maxBatchActions)
	}
	return actions, nil
}

func (tx *tableTx) commit(ctx context.Context) error {
	actions, err := tx.actions()
	if err != nil || len(actions) == 0 {
		return err
	}
	if _, err := tx.store.items.SubmitTransaction(ctx, actions, nil); err != nil {
		if isConflict(err) {
			log.WithFields(log.Fields{"partition": tx.partition, "actions": len(actions)}).Debug("batch rejected by concurrent writer")
			return fmt.Errorf("commit %s: %w", tx.partition, domain.ErrConcurrencyConflict)
		}
		return fmt.Errorf("commit %s: %w", tx.partition, err)
	}
	return nil
}
