package coins

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing coin operation.
type OperationLog struct {
	Operation      string
	AccountID      AccountID
	ChapterID      ChapterID
	OrderRef       OrderRef
	Amount         int64
	IdempotencyKey IdempotencyKey
	Outcome        string
	Status         string
	Error          error
}

// OperationLoggers fans a log entry out to several loggers.
type OperationLoggers []OperationLogger

// LogOperation forwards entry to every non-nil logger.
func (loggers OperationLoggers) LogOperation(ctx context.Context, entry OperationLog) {
	for _, logger := range loggers {
		if logger != nil {
			logger.LogOperation(ctx, entry)
		}
	}
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithEventPublisher wires a publisher for committed domain events.
func WithEventPublisher(publisher EventPublisher) ServiceOption {
	return func(service *Service) {
		service.publisher = publisher
	}
}

// WithOrderRefGenerator replaces the default order reference generator.
func WithOrderRefGenerator(generator func(coinPackage CoinPackage) (OrderRef, error)) ServiceOption {
	return func(service *Service) {
		if generator != nil {
			service.newOrderRef = generator
		}
	}
}

// WithIDGenerator replaces the default uuid record id generator.
func WithIDGenerator(generator func() string) ServiceOption {
	return func(service *Service) {
		if generator != nil {
			service.newID = generator
		}
	}
}
