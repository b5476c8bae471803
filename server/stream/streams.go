package stream

import (
	"context"
	"reflect"
	"streamctl/server/base"
	"streamctl/server/storage"
	"streamctl/server/stream/records"
	"streamctl/util/logging"
)

// Streams implements StreamStore.
type Streams struct {
	ra     *recordAccess
	logger *logging.PrefixLogger
}

func NewStreams(ra *recordAccess) *Streams {
	return &Streams{ra: ra, logger: logging.NewPrefixLoggerWithParent("streams", ra.logger)}
}

/************************************************** SCOPES ***********************************************************/

// CreateScope creates the scope. It returns false if the scope already existed.
func (s *Streams) CreateScope(ctx context.Context, scope string) (bool, error) {
	if err := base.ValidateName("CreateScope", scope); err != nil {
		return false, err
	}
	rec := &records.ScopeRecord{Name: scope, CreationTime: s.ra.nowMillis()}
	if _, err := s.ra.create(ctx, nil, scopePath(scope), rec); err != nil {
		if base.IsKind(err, base.KindAlreadyExists) {
			return false, nil
		}
		return false, err
	}
	s.logger.Infof("Created scope: %s", scope)
	return true, nil
}

// DeleteScope deletes an empty scope.
func (s *Streams) DeleteScope(ctx context.Context, scope string) error {
	streams, err := s.ra.vs.List(ctx, scopeStreamsPath(scope))
	if err != nil {
		return err
	}
	if len(streams) > 0 {
		return base.NewError(base.KindPreconditionFailed, "DeleteScope", scopePath(scope),
			"scope still has %d streams", len(streams))
	}
	if err := s.ra.delete(ctx, nil, scopePath(scope), base.NoVersion); err != nil {
		return err
	}
	s.logger.Infof("Deleted scope: %s", scope)
	return nil
}

func (s *Streams) ListScopes(ctx context.Context) ([]string, error) {
	return s.ra.vs.List(ctx, kScopesRoot)
}

func (s *Streams) CheckScopeExists(ctx context.Context, scope string) (bool, error) {
	return s.ra.exists(ctx, nil, scopePath(scope))
}

/************************************************** STREAMS **********************************************************/

// CreateStream creates the stream metadata and leaves the stream in CREATING. Repeating the call with the same
// createTime resumes an interrupted create. A create with a different createTime reports the existing stream instead.
func (s *Streams) CreateStream(ctx context.Context, scope string, stream string, cfg records.StreamConfiguration,
	createTime int64, oc *base.OperationContext) (*CreateStreamResponse, error) {
	const op = "CreateStream"
	oc = s.ra.cacheFor(oc, scope, stream)
	if err := base.ValidateName(op, scope); err != nil {
		return nil, err
	}
	if err := base.ValidateName(op, stream); err != nil {
		return nil, err
	}
	if cfg.ScalingPolicy.MinNumSegments < 0 {
		return nil, base.NewError(base.KindPreconditionFailed, op, streamPath(scope, stream),
			"invalid min number of segments: %d", cfg.ScalingPolicy.MinNumSegments)
	}
	scopeExists, err := s.CheckScopeExists(ctx, scope)
	if err != nil {
		return nil, err
	}
	if !scopeExists {
		return nil, base.NewError(base.KindNotFound, op, scopePath(scope), "scope does not exist")
	}

	creationPath := streamNodePath(scope, stream, kCreationNode)
	_, err = s.ra.create(ctx, oc, creationPath, &records.CreationRecord{CreationTime: createTime, Configuration: cfg})
	if err != nil {
		if !base.IsKind(err, base.KindAlreadyExists) {
			return nil, err
		}
		existing, err := readRecord[records.CreationRecord](ctx, s.ra, oc, creationPath, true)
		if err != nil {
			return nil, err
		}
		state, err := s.GetState(ctx, scope, stream, true, oc)
		if err != nil && !base.IsKind(err, base.KindNotFound) {
			return nil, err
		}
		resp := &CreateStreamResponse{
			Configuration: existing.Object.Configuration,
			CreationTime:  existing.Object.CreationTime,
		}
		creating := err != nil || state == records.KStateCreating
		if !creating {
			resp.Status = KStreamExistsActive
			return resp, nil
		}
		if existing.Object.CreationTime != createTime {
			resp.Status = KStreamExistsCreating
			return resp, nil
		}
		s.logger.Infof("Resuming creation of stream %s/%s", scope, stream)
		cfg = existing.Object.Configuration
	}
	if err := s.createStreamMetadata(ctx, scope, stream, cfg, createTime, oc); err != nil {
		return nil, err
	}
	s.logger.Infof("Created stream %s/%s with %d segments", scope, stream, numInitialSegments(cfg))
	return &CreateStreamResponse{Status: KStreamNew, Configuration: cfg, CreationTime: createTime}, nil
}

func numInitialSegments(cfg records.StreamConfiguration) int {
	if cfg.ScalingPolicy.MinNumSegments < 1 {
		return 1
	}
	return int(cfg.ScalingPolicy.MinNumSegments)
}

// createStreamMetadata writes every record of a new stream. The state record goes last so a stream whose state is
// readable is fully formed.
func (s *Streams) createStreamMetadata(ctx context.Context, scope string, stream string,
	cfg records.StreamConfiguration, createTime int64, oc *base.OperationContext) error {
	ranges := records.SplitKeySpace(numInitialSegments(cfg))
	segments := make([]records.StreamSegmentRecord, 0, len(ranges))
	for ii, kr := range ranges {
		segments = append(segments, records.StreamSegmentRecord{
			SegmentNumber: int32(ii),
			CreationEpoch: 0,
			CreationTime:  createTime,
			KeyStart:      kr.Low,
			KeyEnd:        kr.High,
		})
	}
	writes := []struct {
		path string
		rec  records.Record
	}{
		{streamNodePath(scope, stream, kConfigurationNode),
			&records.StreamConfigurationRecord{Scope: scope, Stream: stream, Configuration: cfg}},
		{streamNodePath(scope, stream, kTruncationNode), records.EmptyStreamTruncationRecord()},
		{epochPath(scope, stream, 0), &records.EpochRecord{Epoch: 0, ReferenceEpoch: 0, Segments: segments,
			CreationTime: createTime}},
		{streamNodePath(scope, stream, kCurrentEpochNode), &records.CurrentEpochRecord{Epoch: 0}},
		{streamNodePath(scope, stream, kEpochTransition), records.EmptyEpochTransitionRecord()},
		{streamNodePath(scope, stream, kCommittingTxnsNode), records.EmptyCommittingTransactionsRecord()},
		{streamNodePath(scope, stream, kRetentionSetNode), &records.RetentionSet{}},
		{streamNodePath(scope, stream, kSealedSizesNode), &records.SealedSegmentsRecord{Sizes: map[int64]int64{}}},
		{streamNodePath(scope, stream, kStateNode), &records.StateRecord{State: records.KStateCreating}},
	}
	for _, w := range writes {
		if err := s.ra.createIfAbsent(ctx, oc, w.path, w.rec); err != nil {
			return base.WrapError(base.KindStoreUnavailable, "CreateStream", w.path, err)
		}
	}
	return nil
}

func (s *Streams) CheckStreamExists(ctx context.Context, scope string, stream string,
	oc *base.OperationContext) (bool, error) {
	oc = s.ra.cacheFor(oc, scope, stream)
	return s.ra.exists(ctx, oc, streamNodePath(scope, stream, kCreationNode))
}

func (s *Streams) GetCreationTime(ctx context.Context, scope string, stream string,
	oc *base.OperationContext) (int64, error) {
	oc = s.ra.cacheFor(oc, scope, stream)
	rec, err := readRecord[records.CreationRecord](ctx, s.ra, oc, streamNodePath(scope, stream, kCreationNode), false)
	if err != nil {
		return 0, err
	}
	return rec.Object.CreationTime, nil
}

// DeleteStream removes every record of the stream. A partially deleted stream can be deleted again.
func (s *Streams) DeleteStream(ctx context.Context, scope string, stream string, oc *base.OperationContext) error {
	path := streamPath(scope, stream)
	children, err := s.ra.vs.List(ctx, path)
	if err != nil {
		return err
	}
	if len(children) == 0 {
		return base.NewError(base.KindNotFound, "DeleteStream", path, "stream does not exist")
	}
	oc = s.ra.cacheFor(oc, scope, stream)
	for _, child := range children {
		oc.Invalidate(storage.JoinPath(path, child))
	}
	if err := storage.DeleteRecursive(ctx, s.ra.vs, path); err != nil {
		return err
	}
	s.logger.Infof("Deleted stream %s/%s", scope, stream)
	return nil
}

func (s *Streams) ListStreamsInScope(ctx context.Context, scope string) ([]string, error) {
	exists, err := s.CheckScopeExists(ctx, scope)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, base.NewError(base.KindNotFound, "ListStreamsInScope", scopePath(scope), "scope does not exist")
	}
	return s.ra.vs.List(ctx, scopeStreamsPath(scope))
}

// ListStreams returns up to limit stream names that sort after continuationToken, and the token for the next page.
// The token is unchanged once the listing is exhausted.
func (s *Streams) ListStreams(ctx context.Context, scope string, continuationToken string, limit int) ([]string,
	string, error) {
	names, err := s.ListStreamsInScope(ctx, scope)
	if err != nil {
		return nil, continuationToken, err
	}
	var page []string
	for _, name := range names {
		if limit > 0 && len(page) >= limit {
			break
		}
		if name > continuationToken {
			page = append(page, name)
		}
	}
	if len(page) == 0 {
		return page, continuationToken, nil
	}
	return page, page[len(page)-1], nil
}

/************************************************** STATE ************************************************************/

func (s *Streams) readState(ctx context.Context, scope string, stream string, ignoreCached bool,
	oc *base.OperationContext) (VersionedMetadata[records.StateRecord], error) {
	return readRecord[records.StateRecord](ctx, s.ra, oc, streamNodePath(scope, stream, kStateNode), ignoreCached)
}

func (s *Streams) GetState(ctx context.Context, scope string, stream string, ignoreCached bool,
	oc *base.OperationContext) (records.State, error) {
	oc = s.ra.cacheFor(oc, scope, stream)
	rec, err := s.readState(ctx, scope, stream, ignoreCached, oc)
	if err != nil {
		return records.KStateUnknown, err
	}
	return rec.Object.State, nil
}

func (s *Streams) GetVersionedState(ctx context.Context, scope string, stream string,
	oc *base.OperationContext) (VersionedMetadata[records.State], error) {
	oc = s.ra.cacheFor(oc, scope, stream)
	rec, err := s.readState(ctx, scope, stream, false, oc)
	if err != nil {
		return VersionedMetadata[records.State]{}, err
	}
	return VersionedMetadata[records.State]{Object: rec.Object.State, Version: rec.Version}, nil
}

// SetState moves the stream to state if the transition from the current state is allowed.
func (s *Streams) SetState(ctx context.Context, scope string, stream string, state records.State,
	oc *base.OperationContext) error {
	current, err := s.GetVersionedState(ctx, scope, stream, oc)
	if err != nil {
		return err
	}
	_, err = s.UpdateVersionedState(ctx, scope, stream, state, current, oc)
	return err
}

// UpdateVersionedState moves the stream from previous to state with a compare and swap on previous.Version.
// Updating to the state the stream is already in is a no-op.
func (s *Streams) UpdateVersionedState(ctx context.Context, scope string, stream string, state records.State,
	previous VersionedMetadata[records.State], oc *base.OperationContext) (VersionedMetadata[records.State], error) {
	const op = "UpdateVersionedState"
	oc = s.ra.cacheFor(oc, scope, stream)
	path := streamNodePath(scope, stream, kStateNode)
	if previous.Object == state {
		return previous, nil
	}
	if !state.IsValid() || !records.IsTransitionAllowed(previous.Object, state) {
		return previous, base.NewError(base.KindIllegalStateTransition, op, path, "cannot move stream from %s to %s",
			previous.Object, state)
	}
	version, err := s.ra.update(ctx, oc, path, &records.StateRecord{State: state}, previous.Version)
	if err != nil {
		return previous, base.WrapError(base.KindStoreUnavailable, op, path, err)
	}
	s.logger.VInfof(1, "Stream %s/%s moved from %s to %s", scope, stream, previous.Object, state)
	return VersionedMetadata[records.State]{Object: state, Version: version}, nil
}

// SetSealed moves a SEALING stream to SEALED.
func (s *Streams) SetSealed(ctx context.Context, scope string, stream string, oc *base.OperationContext) error {
	return s.SetState(ctx, scope, stream, records.KStateSealed, oc)
}

func (s *Streams) IsSealed(ctx context.Context, scope string, stream string, oc *base.OperationContext) (bool,
	error) {
	state, err := s.GetState(ctx, scope, stream, false, oc)
	if err != nil {
		return false, err
	}
	return state == records.KStateSealed, nil
}

/************************************************** CONFIGURATION ****************************************************/

func (s *Streams) GetConfigurationRecord(ctx context.Context, scope string, stream string,
	oc *base.OperationContext) (VersionedMetadata[records.StreamConfigurationRecord], error) {
	oc = s.ra.cacheFor(oc, scope, stream)
	return readRecord[records.StreamConfigurationRecord](ctx, s.ra, oc,
		streamNodePath(scope, stream, kConfigurationNode), false)
}

func (s *Streams) GetConfiguration(ctx context.Context, scope string, stream string,
	oc *base.OperationContext) (records.StreamConfiguration, error) {
	rec, err := s.GetConfigurationRecord(ctx, scope, stream, oc)
	if err != nil {
		return records.StreamConfiguration{}, err
	}
	return rec.Object.Configuration, nil
}

// StartUpdateConfiguration records cfg as the pending configuration. Repeating the call with the same cfg while the
// update is pending is a no-op.
func (s *Streams) StartUpdateConfiguration(ctx context.Context, scope string, stream string,
	cfg records.StreamConfiguration, oc *base.OperationContext) error {
	const op = "StartUpdateConfiguration"
	oc = s.ra.cacheFor(oc, scope, stream)
	path := streamNodePath(scope, stream, kConfigurationNode)
	existing, err := s.GetConfigurationRecord(ctx, scope, stream, oc)
	if err != nil {
		return err
	}
	if existing.Object.Updating {
		if reflect.DeepEqual(existing.Object.Configuration, cfg) {
			return nil
		}
		return base.NewError(base.KindPreconditionFailed, op, path, "another configuration update is in progress")
	}
	if cfg.ScalingPolicy.MinNumSegments < 0 {
		return base.NewError(base.KindPreconditionFailed, op, path, "invalid min number of segments: %d",
			cfg.ScalingPolicy.MinNumSegments)
	}
	updated := existing.Object
	updated.Configuration = cfg
	updated.Updating = true
	_, err = s.ra.update(ctx, oc, path, &updated, existing.Version)
	return base.WrapError(base.KindStoreUnavailable, op, path, err)
}

// CompleteUpdateConfiguration clears the updating flag. It is a no-op if no update is pending.
func (s *Streams) CompleteUpdateConfiguration(ctx context.Context, scope string, stream string,
	existing VersionedMetadata[records.StreamConfigurationRecord], oc *base.OperationContext) error {
	if !existing.Object.Updating {
		return nil
	}
	oc = s.ra.cacheFor(oc, scope, stream)
	path := streamNodePath(scope, stream, kConfigurationNode)
	updated := existing.Object
	updated.Updating = false
	_, err := s.ra.update(ctx, oc, path, &updated, existing.Version)
	return base.WrapError(base.KindStoreUnavailable, "CompleteUpdateConfiguration", path, err)
}

/************************************************** MARKERS **********************************************************/

// MarkCold flags the segment as cold until timestamp.
func (s *Streams) MarkCold(ctx context.Context, scope string, stream string, segmentID int64, timestamp int64,
	oc *base.OperationContext) error {
	oc = s.ra.cacheFor(oc, scope, stream)
	_, err := s.ra.put(ctx, oc, markerPath(scope, stream, segmentID), &records.ColdMarkerRecord{Timestamp: timestamp})
	return err
}

func (s *Streams) IsCold(ctx context.Context, scope string, stream string, segmentID int64,
	oc *base.OperationContext) (bool, error) {
	oc = s.ra.cacheFor(oc, scope, stream)
	return s.ra.exists(ctx, oc, markerPath(scope, stream, segmentID))
}

func (s *Streams) RemoveMarker(ctx context.Context, scope string, stream string, segmentID int64,
	oc *base.OperationContext) error {
	oc = s.ra.cacheFor(oc, scope, stream)
	err := s.ra.delete(ctx, oc, markerPath(scope, stream, segmentID), base.NoVersion)
	if err != nil && !base.IsKind(err, base.KindNotFound) {
		return err
	}
	return nil
}

/************************************************** WAITING REQUESTS *************************************************/

// CreateWaitingRequestIfAbsent records processor as the request processor that other processors must wait for.
func (s *Streams) CreateWaitingRequestIfAbsent(ctx context.Context, scope string, stream string, processor string,
	oc *base.OperationContext) error {
	oc = s.ra.cacheFor(oc, scope, stream)
	return s.ra.createIfAbsent(ctx, oc, streamNodePath(scope, stream, kWaitingRequestNode),
		&records.WaitingRequestRecord{Processor: processor})
}

// GetWaitingRequestProcessor returns the waiting processor or "" if none is recorded.
func (s *Streams) GetWaitingRequestProcessor(ctx context.Context, scope string, stream string,
	oc *base.OperationContext) (string, error) {
	oc = s.ra.cacheFor(oc, scope, stream)
	rec, err := readRecord[records.WaitingRequestRecord](ctx, s.ra, oc,
		streamNodePath(scope, stream, kWaitingRequestNode), true)
	if err != nil {
		if base.IsKind(err, base.KindNotFound) {
			return "", nil
		}
		return "", err
	}
	return rec.Object.Processor, nil
}

// DeleteWaitingRequestConditionally removes the waiting request only if it was created by processor.
func (s *Streams) DeleteWaitingRequestConditionally(ctx context.Context, scope string, stream string,
	processor string, oc *base.OperationContext) error {
	oc = s.ra.cacheFor(oc, scope, stream)
	path := streamNodePath(scope, stream, kWaitingRequestNode)
	rec, err := readRecord[records.WaitingRequestRecord](ctx, s.ra, oc, path, true)
	if err != nil {
		if base.IsKind(err, base.KindNotFound) {
			return nil
		}
		return err
	}
	if rec.Object.Processor != processor {
		return nil
	}
	err = s.ra.delete(ctx, oc, path, rec.Version)
	if err != nil && !base.IsKind(err, base.KindNotFound) {
		return err
	}
	return nil
}
