package sqlstore

import (
	"errors"
	"fmt"
	"time"

	"github.com/dennisdiepolder/monti/handoff/internal/store"
	"github.com/dennisdiepolder/monti/handoff/internal/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type sqlTx struct {
	db       *gorm.DB
	postgres bool
}

// forUpdate adds row locking where the dialect supports it
func (t *sqlTx) forUpdate() *gorm.DB {
	if t.postgres {
		return t.db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return t.db
}

func notFound(kind, id string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %s: %w", kind, id, types.ErrNotFound)
	}
	return fmt.Errorf("load %s %s: %w", kind, id, err)
}

func (t *sqlTx) LockTenant(tenantID string) error {
	if !t.postgres {
		return nil
	}
	return t.db.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", tenantID).Error
}

func (t *sqlTx) CreateAgent(agent *types.Agent) error {
	m := toAgentModel(agent)
	if err := t.db.Create(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("agent %s already exists: %w", agent.ID, types.ErrInvalidInput)
		}
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

func (t *sqlTx) GetAgent(agentID string) (*types.Agent, error) {
	var m agentModel
	if err := t.forUpdate().Where("id = ?", agentID).Take(&m).Error; err != nil {
		return nil, notFound("agent", agentID, err)
	}
	a := m.toDomain()
	return &a, nil
}

func (t *sqlTx) ListAgents(tenantID string) ([]types.Agent, error) {
	var rows []agentModel
	if err := t.db.Where("tenant_id = ?", tenantID).Order("id asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	out := make([]types.Agent, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (t *sqlTx) UpdateAgent(agent *types.Agent) error {
	res := t.db.Model(&agentModel{}).Where("id = ?", agent.ID).Updates(map[string]any{
		"name":                 agent.Name,
		"email":                agent.Email,
		"department":           agent.Department,
		"status":               string(agent.Status),
		"max_concurrent_chats": agent.MaxConcurrentChats,
		"updated_at":           time.Now().UTC(),
	})
	if res.Error != nil {
		return fmt.Errorf("update agent: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("agent %s: %w", agent.ID, types.ErrNotFound)
	}
	return nil
}

func (t *sqlTx) SetAgentStatus(agentID string, status types.AgentStatus) error {
	res := t.db.Model(&agentModel{}).Where("id = ?", agentID).Updates(map[string]any{
		"status":     string(status),
		"updated_at": time.Now().UTC(),
	})
	if res.Error != nil {
		return fmt.Errorf("set agent status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("agent %s: %w", agentID, types.ErrNotFound)
	}
	return nil
}

func (t *sqlTx) AvailableAgents(tenantID, department string) ([]types.Agent, error) {
	q := t.db.Where("tenant_id = ? AND status IN ? AND current_chat_count < max_concurrent_chats",
		tenantID, []string{string(types.AgentOnline), string(types.AgentAway)})
	if department != "" {
		q = q.Where("department = ?", department)
	}

	var rows []agentModel
	if err := q.Order("id asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("available agents: %w", err)
	}
	out := make([]types.Agent, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (t *sqlTx) ReserveAgent(agentID string) (bool, error) {
	res := t.db.Model(&agentModel{}).
		Where("id = ? AND current_chat_count < max_concurrent_chats", agentID).
		UpdateColumn("current_chat_count", gorm.Expr("current_chat_count + 1"))
	if res.Error != nil {
		return false, fmt.Errorf("reserve agent: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return true, nil
	}
	if _, err := t.GetAgent(agentID); err != nil {
		return false, err
	}
	return false, nil
}

func (t *sqlTx) ReleaseAgent(agentID string) (bool, error) {
	res := t.db.Model(&agentModel{}).
		Where("id = ? AND current_chat_count > 0", agentID).
		UpdateColumn("current_chat_count", gorm.Expr("current_chat_count - 1"))
	if res.Error != nil {
		return false, fmt.Errorf("release agent: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return true, nil
	}
	if _, err := t.GetAgent(agentID); err != nil {
		return false, err
	}
	return false, nil
}

func (t *sqlTx) IncrementHandled(agentID string) error {
	res := t.db.Model(&agentModel{}).
		Where("id = ?", agentID).
		UpdateColumn("total_chats_handled", gorm.Expr("total_chats_handled + 1"))
	if res.Error != nil {
		return fmt.Errorf("increment handled: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("agent %s: %w", agentID, types.ErrNotFound)
	}
	return nil
}

func (t *sqlTx) CreateChat(chat *types.Chat) error {
	m := toChatModel(chat)
	if err := t.db.Create(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("chat %s session %s: %w", chat.ID, chat.SessionID, types.ErrDuplicate)
		}
		return fmt.Errorf("create chat: %w", err)
	}
	return nil
}

func (t *sqlTx) GetChat(chatID string) (*types.Chat, error) {
	var m chatModel
	if err := t.forUpdate().Where("id = ?", chatID).Take(&m).Error; err != nil {
		return nil, notFound("chat", chatID, err)
	}
	c := m.toDomain()
	return &c, nil
}

func (t *sqlTx) FindOpenChat(tenantID, userIdentifier string) (*types.Chat, error) {
	var m chatModel
	err := t.forUpdate().
		Where("tenant_id = ? AND user_identifier = ? AND status IN ?", tenantID, userIdentifier,
			[]string{string(types.ChatWaiting), string(types.ChatActive)}).
		Order("created_at desc").
		Take(&m).Error
	if err != nil {
		return nil, notFound("open chat for", userIdentifier, err)
	}
	c := m.toDomain()
	return &c, nil
}

func (t *sqlTx) UpdateChat(chat *types.Chat) error {
	m := toChatModel(chat)
	res := t.db.Model(&chatModel{}).Where("id = ?", chat.ID).Select("*").Omit("id", "created_at").Updates(&m)
	if res.Error != nil {
		return fmt.Errorf("update chat: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("chat %s: %w", chat.ID, types.ErrNotFound)
	}
	return nil
}

func (t *sqlTx) ListChats(f store.ChatFilter) ([]types.Chat, error) {
	q := t.db.Model(&chatModel{})
	if f.TenantID != "" {
		q = q.Where("tenant_id = ?", f.TenantID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	if f.AgentID != "" {
		q = q.Where("agent_id = ?", f.AgentID)
	}
	if f.UserIdentifier != "" {
		q = q.Where("user_identifier = ?", f.UserIdentifier)
	}
	if !f.Since.IsZero() {
		q = q.Where("created_at >= ?", f.Since.UTC())
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var rows []chatModel
	if err := q.Order("created_at desc").Order("id asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	return chatsToDomain(rows), nil
}

func (t *sqlTx) WaitingChats(tenantID string) ([]types.Chat, error) {
	var rows []chatModel
	err := t.db.Where("tenant_id = ? AND status = ?", tenantID, string(types.ChatWaiting)).
		Order("priority desc").Order("queued_at asc").Order("id asc").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("waiting chats: %w", err)
	}
	out := chatsToDomain(rows)
	store.SortWaiting(out)
	return out, nil
}

func (t *sqlTx) ActiveChatIDs(agentID string) ([]string, error) {
	var ids []string
	err := t.db.Model(&chatModel{}).
		Where("agent_id = ? AND status = ?", agentID, string(types.ChatActive)).
		Order("id asc").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("active chat ids: %w", err)
	}
	return ids, nil
}

func (t *sqlTx) TenantsWithWaiting() ([]string, error) {
	var tenants []string
	err := t.db.Model(&chatModel{}).
		Where("status = ?", string(types.ChatWaiting)).
		Distinct("tenant_id").
		Order("tenant_id asc").
		Pluck("tenant_id", &tenants).Error
	if err != nil {
		return nil, fmt.Errorf("tenants with waiting: %w", err)
	}
	return tenants, nil
}

func (t *sqlTx) ResolutionSamples(tenantID string, since time.Time, limit int) ([]int, error) {
	q := t.db.Model(&chatModel{}).
		Where("tenant_id = ? AND status = ? AND resolution_secs IS NOT NULL AND ended_at >= ?",
			tenantID, string(types.ChatResolved), since.UTC()).
		Order("ended_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var samples []int
	if err := q.Pluck("resolution_secs", &samples).Error; err != nil {
		return nil, fmt.Errorf("resolution samples: %w", err)
	}
	return samples, nil
}

func (t *sqlTx) ReplaceQueue(tenantID string, entries []types.QueueEntry) error {
	if err := t.db.Where("tenant_id = ?", tenantID).Delete(&queueEntryModel{}).Error; err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}
	rows := make([]queueEntryModel, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, toQueueEntryModel(e))
	}
	if err := t.db.Create(&rows).Error; err != nil {
		return fmt.Errorf("write queue: %w", err)
	}
	return nil
}

func (t *sqlTx) QueueEntries(tenantID string) ([]types.QueueEntry, error) {
	var rows []queueEntryModel
	if err := t.db.Where("tenant_id = ?", tenantID).Order("position asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("queue entries: %w", err)
	}
	out := make([]types.QueueEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (t *sqlTx) AppendMessage(msg *types.Message) error {
	m := toMessageModel(msg)
	// seq is per chat and strictly increasing so ties on created_at keep insertion order
	if err := t.db.Model(&messageModel{}).
		Where("chat_id = ?", msg.ChatID).
		Select("COALESCE(MAX(seq), 0) + 1").
		Scan(&m.Seq).Error; err != nil {
		return fmt.Errorf("next message seq: %w", err)
	}
	if err := t.db.Create(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrForeignKeyViolated) {
			return fmt.Errorf("chat %s: %w", msg.ChatID, types.ErrNotFound)
		}
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (t *sqlTx) ListMessages(chatID string, limit int) ([]types.Message, error) {
	q := t.db.Where("chat_id = ?", chatID).Order("seq desc")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []messageModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	// Fetched newest first so the limit keeps the tail; return chronological
	out := make([]types.Message, len(rows))
	for i, r := range rows {
		out[len(rows)-1-i] = r.toDomain()
	}
	return out, nil
}

func chatsToDomain(rows []chatModel) []types.Chat {
	out := make([]types.Chat, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out
}
