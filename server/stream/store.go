package stream

import (
	"context"
	"github.com/google/uuid"
	"streamctl/server/base"
	"streamctl/server/index"
	"streamctl/server/metrics"
	"streamctl/server/storage"
	"streamctl/server/stream/records"
	"streamctl/util/logging"
	"time"
)

// StreamStore manages scopes, streams and their lifecycle records.
type StreamStore interface {
	CreateScope(ctx context.Context, scope string) (bool, error)
	DeleteScope(ctx context.Context, scope string) error
	ListScopes(ctx context.Context) ([]string, error)
	CheckScopeExists(ctx context.Context, scope string) (bool, error)
	CreateStream(ctx context.Context, scope string, stream string, cfg records.StreamConfiguration, createTime int64,
		oc *base.OperationContext) (*CreateStreamResponse, error)
	CheckStreamExists(ctx context.Context, scope string, stream string, oc *base.OperationContext) (bool, error)
	GetCreationTime(ctx context.Context, scope string, stream string, oc *base.OperationContext) (int64, error)
	DeleteStream(ctx context.Context, scope string, stream string, oc *base.OperationContext) error
	ListStreamsInScope(ctx context.Context, scope string) ([]string, error)
	ListStreams(ctx context.Context, scope string, continuationToken string, limit int) ([]string, string, error)
	GetState(ctx context.Context, scope string, stream string, ignoreCached bool,
		oc *base.OperationContext) (records.State, error)
	GetVersionedState(ctx context.Context, scope string, stream string,
		oc *base.OperationContext) (VersionedMetadata[records.State], error)
	SetState(ctx context.Context, scope string, stream string, state records.State, oc *base.OperationContext) error
	UpdateVersionedState(ctx context.Context, scope string, stream string, state records.State,
		previous VersionedMetadata[records.State], oc *base.OperationContext) (VersionedMetadata[records.State], error)
	SetSealed(ctx context.Context, scope string, stream string, oc *base.OperationContext) error
	IsSealed(ctx context.Context, scope string, stream string, oc *base.OperationContext) (bool, error)
	GetConfiguration(ctx context.Context, scope string, stream string,
		oc *base.OperationContext) (records.StreamConfiguration, error)
	GetConfigurationRecord(ctx context.Context, scope string, stream string,
		oc *base.OperationContext) (VersionedMetadata[records.StreamConfigurationRecord], error)
	StartUpdateConfiguration(ctx context.Context, scope string, stream string, cfg records.StreamConfiguration,
		oc *base.OperationContext) error
	CompleteUpdateConfiguration(ctx context.Context, scope string, stream string,
		existing VersionedMetadata[records.StreamConfigurationRecord], oc *base.OperationContext) error
	MarkCold(ctx context.Context, scope string, stream string, segmentID int64, timestamp int64,
		oc *base.OperationContext) error
	IsCold(ctx context.Context, scope string, stream string, segmentID int64, oc *base.OperationContext) (bool, error)
	RemoveMarker(ctx context.Context, scope string, stream string, segmentID int64, oc *base.OperationContext) error
	CreateWaitingRequestIfAbsent(ctx context.Context, scope string, stream string, processor string,
		oc *base.OperationContext) error
	GetWaitingRequestProcessor(ctx context.Context, scope string, stream string,
		oc *base.OperationContext) (string, error)
	DeleteWaitingRequestConditionally(ctx context.Context, scope string, stream string, processor string,
		oc *base.OperationContext) error
}

// SegmentStore manages epochs, segments, scaling, rolling transactions and truncation.
type SegmentStore interface {
	GetActiveEpoch(ctx context.Context, scope string, stream string, ignoreCached bool,
		oc *base.OperationContext) (*records.EpochRecord, error)
	GetEpoch(ctx context.Context, scope string, stream string, epoch int32,
		oc *base.OperationContext) (*records.EpochRecord, error)
	GetSegment(ctx context.Context, scope string, stream string, segmentID int64,
		oc *base.OperationContext) (records.StreamSegmentRecord, error)
	GetActiveSegments(ctx context.Context, scope string, stream string,
		oc *base.OperationContext) ([]records.StreamSegmentRecord, error)
	GetSegmentsInEpoch(ctx context.Context, scope string, stream string, epoch int32,
		oc *base.OperationContext) ([]records.StreamSegmentRecord, error)
	GetAllSegmentIDs(ctx context.Context, scope string, stream string, oc *base.OperationContext) ([]int64, error)
	GetSegmentsAtHead(ctx context.Context, scope string, stream string,
		oc *base.OperationContext) (map[int64]int64, error)
	GetSuccessors(ctx context.Context, scope string, stream string, segmentID int64,
		oc *base.OperationContext) (map[records.StreamSegmentRecord][]int64, error)
	IsStreamCutValid(ctx context.Context, scope string, stream string, cut map[int64]int64,
		oc *base.OperationContext) (bool, error)
	GetSegmentsBetweenStreamCuts(ctx context.Context, scope string, stream string, from map[int64]int64,
		to map[int64]int64, oc *base.OperationContext) ([]records.StreamSegmentRecord, error)
	GetScaleMetadata(ctx context.Context, scope string, stream string, from int64, to int64,
		oc *base.OperationContext) ([]ScaleMetadata, error)
	GetSealedSegmentSizes(ctx context.Context, scope string, stream string,
		oc *base.OperationContext) (map[int64]int64, error)

	SubmitScale(ctx context.Context, scope string, stream string, segmentsToSeal []int64,
		newRanges []records.KeyRange, scaleTimestamp int64,
		oc *base.OperationContext) (VersionedMetadata[records.EpochTransitionRecord], error)
	GetEpochTransition(ctx context.Context, scope string, stream string,
		oc *base.OperationContext) (VersionedMetadata[records.EpochTransitionRecord], error)
	StartScale(ctx context.Context, scope string, stream string, isManual bool,
		record VersionedMetadata[records.EpochTransitionRecord], state VersionedMetadata[records.State],
		oc *base.OperationContext) (VersionedMetadata[records.EpochTransitionRecord], error)
	ScaleCreateNewEpochs(ctx context.Context, scope string, stream string,
		record VersionedMetadata[records.EpochTransitionRecord],
		oc *base.OperationContext) (VersionedMetadata[records.EpochTransitionRecord], error)
	ScaleSegmentsSealed(ctx context.Context, scope string, stream string, sealedSegmentSizes map[int64]int64,
		record VersionedMetadata[records.EpochTransitionRecord], oc *base.OperationContext) error
	CompleteScale(ctx context.Context, scope string, stream string,
		record VersionedMetadata[records.EpochTransitionRecord], oc *base.OperationContext) error
	GetScalePhase(ctx context.Context, scope string, stream string, oc *base.OperationContext) (ScalePhase, error)

	StartRollingTxn(ctx context.Context, scope string, stream string, activeEpoch int32,
		existing VersionedMetadata[records.CommittingTransactionsRecord],
		oc *base.OperationContext) (VersionedMetadata[records.CommittingTransactionsRecord], error)
	RollingTxnCreateDuplicateEpochs(ctx context.Context, scope string, stream string,
		sealedTxnEpochSegments map[int64]int64, creationTime int64,
		record VersionedMetadata[records.CommittingTransactionsRecord],
		oc *base.OperationContext) (VersionedMetadata[records.CommittingTransactionsRecord], error)
	CompleteRollingTxn(ctx context.Context, scope string, stream string, sealedActiveEpochSegments map[int64]int64,
		record VersionedMetadata[records.CommittingTransactionsRecord],
		oc *base.OperationContext) (VersionedMetadata[records.CommittingTransactionsRecord], error)

	StartTruncation(ctx context.Context, scope string, stream string, cut map[int64]int64,
		oc *base.OperationContext) error
	CompleteTruncation(ctx context.Context, scope string, stream string,
		record VersionedMetadata[records.StreamTruncationRecord], oc *base.OperationContext) error
	GetTruncationRecord(ctx context.Context, scope string, stream string,
		oc *base.OperationContext) (VersionedMetadata[records.StreamTruncationRecord], error)
}

// TransactionStore manages the lifecycle of transactions and the batch commit record.
type TransactionStore interface {
	GenerateTransactionID() (uuid.UUID, error)
	CreateTransaction(ctx context.Context, scope string, stream string, txnID uuid.UUID, lease time.Duration,
		maxExecutionTime time.Duration, hostID string, oc *base.OperationContext) (VersionedTransactionData, error)
	PingTransaction(ctx context.Context, scope string, stream string, txnData VersionedTransactionData,
		lease time.Duration, oc *base.OperationContext) (VersionedTransactionData, error)
	GetTransactionData(ctx context.Context, scope string, stream string, txnID uuid.UUID,
		oc *base.OperationContext) (VersionedTransactionData, error)
	TransactionStatus(ctx context.Context, scope string, stream string, txnID uuid.UUID,
		oc *base.OperationContext) (records.TxnStatus, error)
	SealTransaction(ctx context.Context, scope string, stream string, txnID uuid.UUID, commit bool,
		version base.Version, oc *base.OperationContext) (records.TxnStatus, int32, error)
	CommitTransaction(ctx context.Context, scope string, stream string, txnID uuid.UUID,
		oc *base.OperationContext) (records.TxnStatus, error)
	AbortTransaction(ctx context.Context, scope string, stream string, txnID uuid.UUID,
		oc *base.OperationContext) (records.TxnStatus, error)
	GetActiveTxns(ctx context.Context, scope string, stream string,
		oc *base.OperationContext) (map[uuid.UUID]VersionedTransactionData, error)
	StartCommitTransactions(ctx context.Context, scope string, stream string, limit int,
		oc *base.OperationContext) (VersionedMetadata[records.CommittingTransactionsRecord], error)
	GetVersionedCommittingTransactionsRecord(ctx context.Context, scope string, stream string,
		oc *base.OperationContext) (VersionedMetadata[records.CommittingTransactionsRecord], error)
	CompleteCommitTransactions(ctx context.Context, scope string, stream string,
		record VersionedMetadata[records.CommittingTransactionsRecord], oc *base.OperationContext) error
}

// RetentionStore manages the retention set and the stream cuts it references.
type RetentionStore interface {
	AddStreamCutToRetentionSet(ctx context.Context, scope string, stream string, cut records.StreamCutRecord,
		oc *base.OperationContext) error
	GetRetentionSet(ctx context.Context, scope string, stream string,
		oc *base.OperationContext) (VersionedMetadata[records.RetentionSet], error)
	GetStreamCutRecord(ctx context.Context, scope string, stream string, ref records.StreamCutReferenceRecord,
		oc *base.OperationContext) (records.StreamCutRecord, error)
	DeleteStreamCutBefore(ctx context.Context, scope string, stream string, ref records.StreamCutReferenceRecord,
		oc *base.OperationContext) error
	GetSizeTillStreamCut(ctx context.Context, scope string, stream string, cut map[int64]int64,
		reference *records.StreamCutReferenceRecord, oc *base.OperationContext) (int64, error)
}

// MetadataStore is the stream metadata store: the capability stores above plus the host failover index, all over
// one VersionedStore.
type MetadataStore struct {
	StreamStore
	SegmentStore
	TransactionStore
	RetentionStore
	Index *index.HostIndex
}

var (
	_ StreamStore      = (*Streams)(nil)
	_ SegmentStore     = (*Segments)(nil)
	_ TransactionStore = (*Transactions)(nil)
	_ RetentionStore   = (*Retention)(nil)
)

type Option func(*recordAccess)

// WithClock replaces the wall clock used for lease checks.
func WithClock(clock Clock) Option {
	return func(ra *recordAccess) {
		ra.clock = clock
	}
}

// WithWorkflowMetrics records workflow step outcomes.
func WithWorkflowMetrics(m *metrics.WorkflowMetrics) Option {
	return func(ra *recordAccess) {
		ra.metrics = m
	}
}

// WithTransactionLimits caps the lease and the max execution time a transaction may be created or pinged with.
func WithTransactionLimits(maxLease time.Duration, maxExecutionTime time.Duration) Option {
	return func(ra *recordAccess) {
		ra.maxTxnLease = maxLease
		ra.maxTxnExecutionTime = maxExecutionTime
	}
}

func WithLogger(logger *logging.PrefixLogger) Option {
	return func(ra *recordAccess) {
		ra.logger = logger
	}
}

// NewMetadataStore builds the metadata store over vs.
func NewMetadataStore(vs storage.VersionedStore, opts ...Option) *MetadataStore {
	ra := &recordAccess{
		vs:     vs,
		clock:  time.Now,
		logger: logging.NewPrefixLogger("StreamMetadataStore"),
	}
	for _, opt := range opts {
		opt(ra)
	}
	hostIndex := index.NewHostIndex(vs, logging.NewPrefixLoggerWithParent("index", ra.logger))
	streams := NewStreams(ra)
	segments := NewSegments(ra, streams)
	return &MetadataStore{
		StreamStore:      streams,
		SegmentStore:     segments,
		TransactionStore: NewTransactions(ra, streams, segments, hostIndex),
		RetentionStore:   NewRetention(ra, segments),
		Index:            hostIndex,
	}
}
