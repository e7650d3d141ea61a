package errs

// 同步核心的错误分类
const (
	InternalError    = 500
	InvalidArgument  = 1001
	NotFound         = 1002
	CacheMiss        = 2001 // 缓存未命中，回源网络
	StorageFault     = 2002 // 存储故障，按未命中处理
	NetworkFailure   = 3001
	BreakerOpen      = 3002 // 熔断打开，也算网络失败
	ProtocolMismatch = 4001 // P2P 未知消息，丢弃
	SignalingRace    = 4002
)

var (
	ErrInternal         = NewCodeError(InternalError, "internal error")
	ErrInvalidArgument  = NewCodeError(InvalidArgument, "invalid argument")
	ErrNotFound         = NewCodeError(NotFound, "not found")
	ErrCacheMiss        = NewCodeError(CacheMiss, "cache miss")
	ErrStorageFault     = NewCodeError(StorageFault, "storage fault")
	ErrNetworkFailure   = NewCodeError(NetworkFailure, "network failure")
	ErrBreakerOpen      = NewCodeError(BreakerOpen, "circuit breaker open")
	ErrProtocolMismatch = NewCodeError(ProtocolMismatch, "protocol mismatch")
	ErrSignalingRace    = NewCodeError(SignalingRace, "signaling race")
)

func init() {
	_ = DefaultCodeRelation.Add(NetworkFailure, BreakerOpen)
	_ = DefaultCodeRelation.Add(CacheMiss, StorageFault)
}
