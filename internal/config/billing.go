package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// BillingPolicy holds the tunable dunning rules for recurring billing.
type BillingPolicy struct {
	// RetryBackoffDays is indexed by the failed attempt number minus one.
	// Attempts past the end reuse the last entry.
	RetryBackoffDays     []int         `mapstructure:"retryBackoffDays"`
	PastDueAfterAttempts int           `mapstructure:"pastDueAfterAttempts"`
	RunTimeout           time.Duration `mapstructure:"runTimeout"`
	LockTTL              time.Duration `mapstructure:"lockTTL"`
}

func DefaultBillingPolicy() BillingPolicy {
	return BillingPolicy{
		RetryBackoffDays:     []int{3, 5, 7},
		PastDueAfterAttempts: 3,
		RunTimeout:           10 * time.Minute,
		LockTTL:              2 * time.Minute,
	}
}

// RetryDelay returns the wait before the next charge after attempt failed.
func (p BillingPolicy) RetryDelay(attempt int) time.Duration {
	days := p.RetryBackoffDays
	if len(days) == 0 {
		days = DefaultBillingPolicy().RetryBackoffDays
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(days) {
		idx = len(days) - 1
	}
	return time.Duration(days[idx]) * 24 * time.Hour
}

// IsPastDue reports whether a failure on attempt exhausts the cycle.
func (p BillingPolicy) IsPastDue(attempt int) bool {
	threshold := p.PastDueAfterAttempts
	if threshold <= 0 {
		threshold = DefaultBillingPolicy().PastDueAfterAttempts
	}
	return attempt >= threshold
}

type BillingPolicyHolder struct {
	current atomic.Value // holds BillingPolicy
}

// NewBillingPolicyHolder reads billing.yml from the usual config paths and
// reloads it on change. A missing file yields the defaults.
func NewBillingPolicyHolder(log *zap.Logger) (*BillingPolicyHolder, error) {
	v := viper.New()
	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/pawbill")
	v.AddConfigPath(".")

	v.SetEnvPrefix("PAWBILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return newBillingPolicyHolder(v, log)
}

// LoadBillingPolicyFile reads a policy from an explicit file path.
func LoadBillingPolicyFile(path string, log *zap.Logger) (*BillingPolicyHolder, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return newBillingPolicyHolder(v, log)
}

// StaticBillingPolicy wraps a fixed policy, mainly for tests and one-shot runs.
func StaticBillingPolicy(policy BillingPolicy) *BillingPolicyHolder {
	holder := &BillingPolicyHolder{}
	holder.current.Store(policy)
	return holder
}

func newBillingPolicyHolder(v *viper.Viper, log *zap.Logger) (*BillingPolicyHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("billing-policy")

	defaults := DefaultBillingPolicy()
	v.SetDefault("billing.retryBackoffDays", defaults.RetryBackoffDays)
	v.SetDefault("billing.pastDueAfterAttempts", defaults.PastDueAfterAttempts)
	v.SetDefault("billing.runTimeout", defaults.RunTimeout)
	v.SetDefault("billing.lockTTL", defaults.LockTTL)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read billing policy: %w", err)
		}
		fileLoaded = false
	}

	policy, err := decodeBillingPolicy(v)
	if err != nil {
		return nil, err
	}

	holder := &BillingPolicyHolder{}
	holder.current.Store(policy)

	if fileLoaded {
		v.OnConfigChange(func(e fsnotify.Event) {
			updated, err := decodeBillingPolicy(v)
			if err != nil {
				log.Warn("billing policy reload ignored", zap.String("file", e.Name), zap.Error(err))
				return
			}
			holder.current.Store(updated)
			log.Info("billing policy reloaded", zap.String("file", e.Name))
		})
		v.WatchConfig()
	}

	return holder, nil
}

func decodeBillingPolicy(v *viper.Viper) (BillingPolicy, error) {
	// Unmarshal merges defaults into keys a partial file leaves out.
	var doc struct {
		Billing BillingPolicy `mapstructure:"billing"`
	}
	if err := v.Unmarshal(&doc); err != nil {
		return BillingPolicy{}, fmt.Errorf("decode billing policy: %w", err)
	}
	if err := validateBillingPolicy(doc.Billing); err != nil {
		return BillingPolicy{}, err
	}
	return doc.Billing, nil
}

func (h *BillingPolicyHolder) Get() BillingPolicy {
	if h == nil {
		return DefaultBillingPolicy()
	}
	policy, ok := h.current.Load().(BillingPolicy)
	if !ok {
		return DefaultBillingPolicy()
	}
	return policy
}

func validateBillingPolicy(policy BillingPolicy) error {
	if len(policy.RetryBackoffDays) == 0 {
		return errors.New("billing.retryBackoffDays cannot be empty")
	}
	for _, days := range policy.RetryBackoffDays {
		if days <= 0 {
			return errors.New("billing.retryBackoffDays must be positive")
		}
	}
	if policy.PastDueAfterAttempts <= 0 {
		return errors.New("billing.pastDueAfterAttempts must be positive")
	}
	if policy.RunTimeout <= 0 {
		return errors.New("billing.runTimeout must be positive")
	}
	if policy.LockTTL <= 0 {
		return errors.New("billing.lockTTL must be positive")
	}
	return nil
}
