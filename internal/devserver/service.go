// Package devserver is a reference implementation of the sync protocol's
// server side: datastore descriptors, materialized records and the delta
// log live in SQLite, commits are applied transactionally with conflict
// detection and nonce idempotency, and long polls are woken through an
// in-process dispatcher. It exists so every client code path can be
// exercised end to end; it is not a product server.
package devserver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/driftlab/syncstore/internal/datastore"
)

const defaultAwaitTimeout = 30 * time.Second

var (
	errMissingDatabase = errors.New("devserver: database dependency required")
)

// ServiceConfig carries the dependencies of a Service.
type ServiceConfig struct {
	Database     *gorm.DB
	Logger       *zap.Logger
	Clock        func() time.Time
	AwaitTimeout time.Duration
}

// Service implements the datastore operations against SQLite.
type Service struct {
	db           *gorm.DB
	logger       *zap.Logger
	clock        func() time.Time
	awaitTimeout time.Duration
	dispatcher   *Dispatcher
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	timeout := cfg.AwaitTimeout
	if timeout <= 0 {
		timeout = defaultAwaitTimeout
	}
	return &Service{
		db:           cfg.Database,
		logger:       logger,
		clock:        clock,
		awaitTimeout: timeout,
		dispatcher:   NewDispatcher(),
	}, nil
}

func listTopic(userID int64) string {
	return fmt.Sprintf("list/u%d", userID)
}

// GetDatastore resolves a datastore the user can access. Private IDs
// resolve within the user's own namespace; shareable IDs resolve globally
// and require at least a viewer role.
func (s *Service) GetDatastore(ctx context.Context, userID int64, dsid string) (datastore.DatastoreDescriptor, error) {
	if !datastore.IsValidDatastoreID(dsid) {
		return datastore.DatastoreDescriptor{}, fmt.Errorf("%w: invalid datastore ID %q", datastore.ErrValidation, dsid)
	}
	row, err := s.rowByDSID(ctx, userID, dsid)
	if err != nil {
		return datastore.DatastoreDescriptor{}, err
	}
	role, err := s.effectiveRole(ctx, row, userID)
	if err != nil {
		return datastore.DatastoreDescriptor{}, err
	}
	if role == datastore.RoleNone {
		return datastore.DatastoreDescriptor{}, fmt.Errorf("%w: datastore %s", datastore.ErrPermissionDenied, dsid)
	}
	return descriptorFor(row, role), nil
}

// GetOrCreateDatastore resolves a private datastore, creating an empty one
// if the user does not have it yet.
func (s *Service) GetOrCreateDatastore(ctx context.Context, userID int64, dsid string) (datastore.DatastoreDescriptor, error) {
	if !datastore.IsValidDatastoreID(dsid) || datastore.IsValidShareableDatastoreID(dsid) {
		return datastore.DatastoreDescriptor{}, fmt.Errorf("%w: invalid private datastore ID %q", datastore.ErrValidation, dsid)
	}
	row, err := s.rowByDSID(ctx, userID, dsid)
	if errors.Is(err, datastore.ErrNotFound) {
		return s.createRow(ctx, userID, dsid, "")
	}
	if err != nil {
		return datastore.DatastoreDescriptor{}, err
	}
	return descriptorFor(row, datastore.RoleOwner), nil
}

// CreateDatastore creates a shareable datastore from a client-generated
// (dsid, key) pair, verifying that the ID derives from the key. Creating
// an already existing shareable datastore resolves it instead.
func (s *Service) CreateDatastore(ctx context.Context, userID int64, dsid, key string) (datastore.DatastoreDescriptor, error) {
	if !datastore.IsValidShareableDatastoreID(dsid) {
		return datastore.DatastoreDescriptor{}, fmt.Errorf("%w: invalid shareable datastore ID %q", datastore.ErrValidation, dsid)
	}
	if strings.TrimSpace(key) == "" || datastore.ShareableIDForKey(key) != dsid {
		return datastore.DatastoreDescriptor{}, fmt.Errorf("%w: datastore ID does not derive from the supplied key", datastore.ErrValidation)
	}
	row, err := s.rowByDSID(ctx, userID, dsid)
	if errors.Is(err, datastore.ErrNotFound) {
		return s.createRow(ctx, userID, dsid, key)
	}
	if err != nil {
		return datastore.DatastoreDescriptor{}, err
	}
	role, err := s.effectiveRole(ctx, row, userID)
	if err != nil {
		return datastore.DatastoreDescriptor{}, err
	}
	if role == datastore.RoleNone {
		return datastore.DatastoreDescriptor{}, fmt.Errorf("%w: datastore %s", datastore.ErrPermissionDenied, dsid)
	}
	return descriptorFor(row, role), nil
}

// DeleteDatastore removes a datastore with its records and delta log.
// Only the owner may delete.
func (s *Service) DeleteDatastore(ctx context.Context, userID int64, handle string) error {
	row, err := s.rowByHandle(ctx, handle)
	if err != nil {
		return err
	}
	if row.OwnerID != userID {
		return fmt.Errorf("%w: only the owner can delete a datastore", datastore.ErrPermissionDenied)
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("handle = ?", handle).Delete(&DeltaRow{}).Error; err != nil {
			return err
		}
		if err := tx.Where("handle = ?", handle).Delete(&RecordRow{}).Error; err != nil {
			return err
		}
		return tx.Delete(&DatastoreRow{}, row.RowID).Error
	})
	if err != nil {
		return err
	}
	s.dispatcher.Publish(handle)
	s.dispatcher.Publish(listTopic(row.OwnerID))
	return nil
}

// ListDatastores returns the user's own datastores plus a token that
// fingerprints the listing for change detection.
func (s *Service) ListDatastores(ctx context.Context, userID int64) (datastore.ListDatastoresResult, error) {
	rows, err := s.ownedRows(ctx, userID)
	if err != nil {
		return datastore.ListDatastoresResult{}, err
	}
	result := datastore.ListDatastoresResult{Token: listTokenFor(rows)}
	for i := range rows {
		result.Datastores = append(result.Datastores, s.descriptorWithInfo(ctx, &rows[i], datastore.RoleOwner))
	}
	return result, nil
}

// GetSnapshot returns the materialized records of a datastore at its
// current revision.
func (s *Service) GetSnapshot(ctx context.Context, userID int64, handle string) (datastore.Snapshot, error) {
	row, _, err := s.authorizeHandle(ctx, userID, handle, datastore.RoleViewer)
	if err != nil {
		return datastore.Snapshot{}, err
	}
	rows, err := s.snapshotRows(s.db.WithContext(ctx), handle)
	if err != nil {
		return datastore.Snapshot{}, err
	}
	return datastore.Snapshot{Revision: row.Rev, Rows: rows}, nil
}

// GetDeltas returns the deltas of a datastore at or after the given
// revision, in order.
func (s *Service) GetDeltas(ctx context.Context, userID int64, handle string, since int64) ([]datastore.Delta, error) {
	if _, _, err := s.authorizeHandle(ctx, userID, handle, datastore.RoleViewer); err != nil {
		return nil, err
	}
	return s.deltasSince(s.db.WithContext(ctx), handle, since)
}

// PutDelta applies a client delta transactionally. A stale base revision
// yields a conflict result; a repeated (handle, nonce) pair is answered
// idempotently with the revision the original attempt produced.
func (s *Service) PutDelta(ctx context.Context, userID int64, handle string, rev int64, changes []any, nonce string) (datastore.PutDeltaResult, error) {
	if strings.TrimSpace(nonce) == "" {
		return datastore.PutDeltaResult{}, fmt.Errorf("%w: a commit nonce is required", datastore.ErrValidation)
	}
	if _, _, err := s.authorizeHandle(ctx, userID, handle, datastore.RoleEditor); err != nil {
		return datastore.PutDeltaResult{}, err
	}
	changesJSON, err := json.Marshal(changes)
	if err != nil {
		return datastore.PutDeltaResult{}, fmt.Errorf("%w: unencodable changes: %v", datastore.ErrValidation, err)
	}

	var result datastore.PutDeltaResult
	applied := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row DatastoreRow
		if err := tx.Where("handle = ?", handle).Take(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: handle %s", datastore.ErrNotFound, handle)
			}
			return err
		}

		var replayed DeltaRow
		err := tx.Where("handle = ? AND nonce = ?", handle, nonce).Take(&replayed).Error
		if err == nil {
			result = datastore.PutDeltaResult{Revision: replayed.Rev + 1}
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		if rev != row.Rev {
			result = datastore.PutDeltaResult{
				Conflict: fmt.Sprintf("delta against revision %d, current is %d", rev, row.Rev),
			}
			return nil
		}

		baseRows, err := s.snapshotRows(tx, handle)
		if err != nil {
			return err
		}
		next, err := datastore.Replay(
			datastore.Snapshot{Revision: row.Rev, Rows: baseRows},
			[]datastore.Delta{{Revision: rev, Changes: changes}},
		)
		if err != nil {
			return fmt.Errorf("%w: %v", datastore.ErrValidation, err)
		}

		if err := tx.Where("handle = ?", handle).Delete(&RecordRow{}).Error; err != nil {
			return err
		}
		for _, snapshotRow := range next.Rows {
			dataJSON, err := json.Marshal(snapshotRow.Data)
			if err != nil {
				return err
			}
			record := RecordRow{
				Handle:   handle,
				TableID:  snapshotRow.TableID,
				RecordID: snapshotRow.RecordID,
				DataJSON: string(dataJSON),
			}
			if err := tx.Create(&record).Error; err != nil {
				return err
			}
		}

		delta := DeltaRow{
			Handle:           handle,
			Rev:              rev,
			ChangesJSON:      string(changesJSON),
			Nonce:            nonce,
			CreatedAtSeconds: s.clock().UTC().Unix(),
		}
		if err := tx.Create(&delta).Error; err != nil {
			return err
		}
		if err := tx.Model(&DatastoreRow{}).Where("row_id = ?", row.RowID).Update("rev", rev+1).Error; err != nil {
			return err
		}
		result = datastore.PutDeltaResult{Revision: rev + 1}
		applied = true
		return nil
	})
	if err != nil {
		return datastore.PutDeltaResult{}, err
	}
	if applied {
		s.logger.Debug("delta applied",
			zap.String("handle", handle),
			zap.Int64("rev", result.Revision))
		s.dispatcher.Publish(handle)
	}
	return result, nil
}

// Await blocks until the user's datastore list changes, any watched
// datastore gains deltas past its cursor, or the server timeout elapses.
func (s *Service) Await(ctx context.Context, userID int64, req datastore.AwaitRequest) (datastore.AwaitResponse, error) {
	topics := make([]string, 0, len(req.Cursors)+1)
	topics = append(topics, listTopic(userID))
	for handle := range req.Cursors {
		topics = append(topics, handle)
	}
	wake, cleanup := s.dispatcher.Subscribe(topics)
	defer cleanup()

	timer := time.NewTimer(s.awaitTimeout)
	defer timer.Stop()

	for {
		resp, ready, err := s.pollAwait(ctx, userID, req)
		if err != nil {
			return datastore.AwaitResponse{}, err
		}
		if ready {
			return resp, nil
		}
		select {
		case <-ctx.Done():
			return datastore.AwaitResponse{}, ctx.Err()
		case <-timer.C:
			return resp, nil
		case <-wake:
		}
	}
}

func (s *Service) pollAwait(ctx context.Context, userID int64, req datastore.AwaitRequest) (datastore.AwaitResponse, bool, error) {
	rows, err := s.ownedRows(ctx, userID)
	if err != nil {
		return datastore.AwaitResponse{}, false, err
	}
	resp := datastore.AwaitResponse{Token: listTokenFor(rows)}
	ready := false
	if req.ListToken != "" && req.ListToken != resp.Token {
		resp.ListChanged = true
		for i := range rows {
			resp.Datastores = append(resp.Datastores, s.descriptorWithInfo(ctx, &rows[i], datastore.RoleOwner))
		}
		ready = true
	}
	for handle, cursor := range req.Cursors {
		row, err := s.rowByHandle(ctx, handle)
		if err == nil {
			role, roleErr := s.effectiveRole(ctx, row, userID)
			if roleErr != nil {
				return datastore.AwaitResponse{}, false, roleErr
			}
			// A handle the caller cannot see is reported as gone, the
			// same answer a deleted datastore gets.
			if role < datastore.RoleViewer {
				err = fmt.Errorf("%w: handle %s", datastore.ErrNotFound, handle)
			}
		}
		if errors.Is(err, datastore.ErrNotFound) {
			if resp.Deltas == nil {
				resp.Deltas = make(map[string]datastore.AwaitDeltaUpdate)
			}
			resp.Deltas[handle] = datastore.AwaitDeltaUpdate{NotFound: true}
			ready = true
			continue
		}
		if err != nil {
			return datastore.AwaitResponse{}, false, err
		}
		if row.Rev <= cursor {
			continue
		}
		deltas, err := s.deltasSince(s.db.WithContext(ctx), handle, cursor)
		if err != nil {
			return datastore.AwaitResponse{}, false, err
		}
		if resp.Deltas == nil {
			resp.Deltas = make(map[string]datastore.AwaitDeltaUpdate)
		}
		resp.Deltas[handle] = datastore.AwaitDeltaUpdate{Deltas: deltas}
		ready = true
	}
	return resp, ready, nil
}

func (s *Service) createRow(ctx context.Context, userID int64, dsid, key string) (datastore.DatastoreDescriptor, error) {
	row := DatastoreRow{
		OwnerID:          userID,
		DSID:             dsid,
		Handle:           uuid.NewString(),
		AccessKey:        key,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return datastore.DatastoreDescriptor{}, err
	}
	s.logger.Info("datastore created",
		zap.String("dsid", dsid),
		zap.Int64("owner", userID))
	s.dispatcher.Publish(listTopic(userID))
	return descriptorFor(&row, datastore.RoleOwner), nil
}

func (s *Service) rowByDSID(ctx context.Context, userID int64, dsid string) (*DatastoreRow, error) {
	var row DatastoreRow
	query := s.db.WithContext(ctx)
	if datastore.IsValidShareableDatastoreID(dsid) {
		query = query.Where("dsid = ?", dsid)
	} else {
		query = query.Where("owner_id = ? AND dsid = ?", userID, dsid)
	}
	if err := query.Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: datastore %s", datastore.ErrNotFound, dsid)
		}
		return nil, err
	}
	return &row, nil
}

func (s *Service) rowByHandle(ctx context.Context, handle string) (*DatastoreRow, error) {
	var row DatastoreRow
	if err := s.db.WithContext(ctx).Where("handle = ?", handle).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: handle %s", datastore.ErrNotFound, handle)
		}
		return nil, err
	}
	return &row, nil
}

func (s *Service) ownedRows(ctx context.Context, userID int64) ([]DatastoreRow, error) {
	var rows []DatastoreRow
	err := s.db.WithContext(ctx).Where("owner_id = ?", userID).Order("dsid").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *Service) authorizeHandle(ctx context.Context, userID int64, handle string, need datastore.Role) (*DatastoreRow, datastore.Role, error) {
	row, err := s.rowByHandle(ctx, handle)
	if err != nil {
		return nil, datastore.RoleNone, err
	}
	role, err := s.effectiveRole(ctx, row, userID)
	if err != nil {
		return nil, datastore.RoleNone, err
	}
	if role < need {
		return nil, role, fmt.Errorf("%w: %s role required", datastore.ErrPermissionDenied, need)
	}
	return row, role, nil
}

// effectiveRole computes the user's role: owners hold the owner role, a
// private datastore grants nothing to anyone else, and on shareable
// datastores the best matching entry of the reserved ACL table wins.
func (s *Service) effectiveRole(ctx context.Context, row *DatastoreRow, userID int64) (datastore.Role, error) {
	if row.OwnerID == userID {
		return datastore.RoleOwner, nil
	}
	if !datastore.IsValidShareableDatastoreID(row.DSID) {
		return datastore.RoleNone, nil
	}
	principal, err := datastore.User(userID)
	if err != nil {
		return datastore.RoleNone, fmt.Errorf("%w: %v", datastore.ErrValidation, err)
	}
	keys := []string{principal.Key(), datastore.Team.Key(), datastore.Public.Key()}

	var records []RecordRow
	err = s.db.WithContext(ctx).
		Where("handle = ? AND tid = ? AND record_id IN ?", row.Handle, ":acl", keys).
		Find(&records).Error
	if err != nil {
		return datastore.RoleNone, err
	}
	best := datastore.RoleNone
	for _, record := range records {
		if role := roleFromACLData(record.DataJSON); role > best {
			best = role
		}
	}
	return best, nil
}

func (s *Service) snapshotRows(query *gorm.DB, handle string) ([]datastore.SnapshotRow, error) {
	var records []RecordRow
	if err := query.Where("handle = ?", handle).Find(&records).Error; err != nil {
		return nil, err
	}
	rows := make([]datastore.SnapshotRow, 0, len(records))
	for _, record := range records {
		var data map[string]any
		if err := json.Unmarshal([]byte(record.DataJSON), &data); err != nil {
			return nil, fmt.Errorf("corrupt record %s/%s/%s: %w", handle, record.TableID, record.RecordID, err)
		}
		rows = append(rows, datastore.SnapshotRow{
			TableID:  record.TableID,
			RecordID: record.RecordID,
			Data:     data,
		})
	}
	return rows, nil
}

func (s *Service) deltasSince(query *gorm.DB, handle string, since int64) ([]datastore.Delta, error) {
	var rows []DeltaRow
	err := query.Where("handle = ? AND rev >= ?", handle, since).Order("rev").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	deltas := make([]datastore.Delta, 0, len(rows))
	for _, row := range rows {
		var changes []any
		if err := json.Unmarshal([]byte(row.ChangesJSON), &changes); err != nil {
			return nil, fmt.Errorf("corrupt delta %s@%d: %w", handle, row.Rev, err)
		}
		deltas = append(deltas, datastore.Delta{Revision: row.Rev, Changes: changes})
	}
	return deltas, nil
}

// descriptorWithInfo enriches a descriptor with the title and mtime kept
// in the reserved ":info" record, when the datastore has one.
func (s *Service) descriptorWithInfo(ctx context.Context, row *DatastoreRow, role datastore.Role) datastore.DatastoreDescriptor {
	descriptor := descriptorFor(row, role)
	var record RecordRow
	err := s.db.WithContext(ctx).
		Where("handle = ? AND tid = ? AND record_id = ?", row.Handle, ":info", "info").
		Take(&record).Error
	if err != nil {
		return descriptor
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(record.DataJSON), &data); err != nil {
		return descriptor
	}
	if title, isString := data["title"].(string); isString {
		descriptor.Title = &title
	}
	if tagged, isMap := data["mtime"].(map[string]any); isMap {
		if raw, isString := tagged["T"].(string); isString {
			if millis, err := strconv.ParseInt(raw, 10, 64); err == nil {
				descriptor.MTimeMillis = &millis
			}
		}
	}
	return descriptor
}

func descriptorFor(row *DatastoreRow, role datastore.Role) datastore.DatastoreDescriptor {
	code := role.Code()
	return datastore.DatastoreDescriptor{
		ID:       row.DSID,
		Handle:   row.Handle,
		Revision: row.Rev,
		RoleCode: &code,
	}
}

// listTokenFor fingerprints a datastore listing. The token changes when
// the set of datastores changes, not when their content does.
func listTokenFor(rows []DatastoreRow) string {
	keys := make([]string, 0, len(rows))
	for _, row := range rows {
		keys = append(keys, row.DSID+"\x00"+row.Handle)
	}
	sort.Strings(keys)
	digest := sha256.Sum256([]byte(strings.Join(keys, "\x00")))
	return hex.EncodeToString(digest[:8])
}

// roleFromACLData extracts the role code from a stored ACL record, which
// carries the wire form {"role":{"I":"<code>"}}.
func roleFromACLData(dataJSON string) datastore.Role {
	var data map[string]any
	if err := json.Unmarshal([]byte(dataJSON), &data); err != nil {
		return datastore.RoleNone
	}
	tagged, isMap := data["role"].(map[string]any)
	if !isMap {
		return datastore.RoleNone
	}
	raw, isString := tagged["I"].(string)
	if !isString {
		return datastore.RoleNone
	}
	code, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return datastore.RoleNone
	}
	return datastore.RoleFromCode(code)
}
