package stream

import (
	"fmt"
	"streamctl/server/storage"
)

const (
	kScopesRoot  = "/scopes"
	kStreamsRoot = "/streams"

	kCreationNode       = "creation"
	kConfigurationNode  = "configuration"
	kStateNode          = "state"
	kEpochsNode         = "epochs"
	kCurrentEpochNode   = "currentEpoch"
	kEpochTransition    = "epochTransition"
	kCommittingTxnsNode = "committingTxns"
	kSealedSizesNode    = "sealedSizes"
	kRetentionSetNode   = "retentionSet"
	kStreamCutsNode     = "streamCuts"
	kTruncationNode     = "truncation"
	kWaitingRequestNode = "waitingRequest"
	kMarkersNode        = "markers"
	kTxnsNode           = "txns"
	kActiveTxnsNode     = "active"
	kCompletedTxnsNode  = "completed"
)

func scopePath(scope string) string {
	return storage.JoinPath(kScopesRoot, scope)
}

func scopeStreamsPath(scope string) string {
	return storage.JoinPath(kStreamsRoot, scope)
}

func streamPath(scope string, stream string) string {
	return storage.JoinPath(kStreamsRoot, scope, stream)
}

func streamNodePath(scope string, stream string, nodes ...string) string {
	return storage.JoinPath(append([]string{kStreamsRoot, scope, stream}, nodes...)...)
}

func epochPath(scope string, stream string, epoch int32) string {
	return streamNodePath(scope, stream, kEpochsNode, fmt.Sprintf("%d", epoch))
}

func streamCutPath(scope string, stream string, recordingTime int64) string {
	return streamNodePath(scope, stream, kStreamCutsNode, fmt.Sprintf("%d", recordingTime))
}

func markerPath(scope string, stream string, segmentID int64) string {
	return streamNodePath(scope, stream, kMarkersNode, fmt.Sprintf("%d", segmentID))
}

func activeTxnsPath(scope string, stream string) string {
	return streamNodePath(scope, stream, kTxnsNode, kActiveTxnsNode)
}

func activeTxnPath(scope string, stream string, txnID string) string {
	return streamNodePath(scope, stream, kTxnsNode, kActiveTxnsNode, txnID)
}

func completedTxnPath(scope string, stream string, txnID string) string {
	return streamNodePath(scope, stream, kTxnsNode, kCompletedTxnsNode, txnID)
}
