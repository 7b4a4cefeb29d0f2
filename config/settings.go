/*
settings.go - Typed view of the key/value settings table

The store persists operator-tunable knobs as plain strings. This file names
the recognised keys, carries their defaults, and parses a raw map into a
typed Settings struct. Unknown keys are ignored; unparseable values keep the
default and surface as a warning for the caller to log.
*/
package config

import (
	"fmt"
	"strconv"
	"time"
)

// Recognised settings keys.
const (
	KeyMonitorFastIntervalMs = "thresholdMonitor.fastIntervalMs"
	KeyMonitorInitialDelayMs = "thresholdMonitor.initialDelayMs"
	KeyMonitorTimeBasedCron  = "thresholdMonitor.timeBasedCron"
	KeyMonitorPendingCron    = "thresholdMonitor.pendingApprovalCron"
	KeyMonitorCleanupCron    = "thresholdMonitor.cleanupCron"
	KeyMonitorStaleDays      = "thresholdMonitor.staleDays"

	KeyDeliveryEnabled    = "delivery.enabled"
	KeyDeliveryAutoRetry  = "delivery.autoRetry"
	KeyDeliveryMaxRetries = "delivery.maxRetries"
	KeyDeliveryCron       = "delivery.scheduler.cron"
	KeyDeliveryRetryCron  = "delivery.scheduler.retryCron"
	KeyDeliveryBatchSize  = "delivery.scheduler.batchSize"

	KeyCheckVoidTimeLimitHours  = "checkPayment.voidTimeLimitHours"
	KeyCheckLowStockThreshold   = "checkPayment.lowStockAlertThreshold"
	KeyCheckRequireAckBeforeEDI = "checkPayment.requireAcknowledgmentBeforeEdi"
	KeyReservationSeparateTx    = "checkReservation.useSeparateTransaction"

	KeyEDIProductionUsage = "edi.productionUsage"

	KeyEncryptionKey  = "encryption.key"
	KeyEncryptionSalt = "encryption.salt"
)

// Settings is the parsed configuration surface.
type Settings struct {
	MonitorFastInterval time.Duration
	MonitorInitialDelay time.Duration
	MonitorTimeBasedCron string
	MonitorPendingCron   string
	MonitorCleanupCron   string
	MonitorStaleDays     int

	DeliveryEnabled   bool
	DeliveryAutoRetry bool
	DeliveryMaxRetries int
	DeliveryCron      string
	DeliveryRetryCron string
	DeliveryBatchSize int

	CheckVoidTimeLimitHours  int
	CheckLowStockThreshold   int
	CheckRequireAckBeforeEDI bool
	ReservationSeparateTx    bool

	EDIProductionUsage bool

	EncryptionKey  string
	EncryptionSalt string
}

// DefaultSettings returns the defaults applied when a key is absent.
func DefaultSettings() Settings {
	return Settings{
		MonitorFastInterval:  5 * time.Minute,
		MonitorInitialDelay:  60 * time.Second,
		MonitorTimeBasedCron: "0 0 2 * * ?",
		MonitorPendingCron:   "0 0 * * * ?",
		MonitorCleanupCron:   "0 0 3 * * ?",
		MonitorStaleDays:     30,

		DeliveryEnabled:    true,
		DeliveryAutoRetry:  true,
		DeliveryMaxRetries: 3,
		DeliveryCron:       "0 */5 * * * ?",
		DeliveryRetryCron:  "0 0 * * * ?",
		DeliveryBatchSize:  10,

		CheckVoidTimeLimitHours: 24,
		CheckLowStockThreshold:  10,
	}
}

// ParseSettings overlays raw key/value pairs onto the defaults. Returns the
// settings plus one warning per value that failed to parse.
func ParseSettings(raw map[string]string) (Settings, []string) {
	s := DefaultSettings()
	var warnings []string

	warn := func(key, value string, err error) {
		warnings = append(warnings, fmt.Sprintf("setting %s=%q ignored: %v", key, value, err))
	}

	setInt := func(key string, dst *int) {
		if v, ok := raw[key]; ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				warn(key, v, err)
				return
			}
			*dst = n
		}
	}
	setBool := func(key string, dst *bool) {
		if v, ok := raw[key]; ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				warn(key, v, err)
				return
			}
			*dst = b
		}
	}
	setString := func(key string, dst *string) {
		if v, ok := raw[key]; ok && v != "" {
			*dst = v
		}
	}
	setMillis := func(key string, dst *time.Duration) {
		if v, ok := raw[key]; ok {
			ms, err := strconv.Atoi(v)
			if err != nil || ms < 0 {
				if err == nil {
					err = fmt.Errorf("negative duration")
				}
				warn(key, v, err)
				return
			}
			*dst = time.Duration(ms) * time.Millisecond
		}
	}

	setMillis(KeyMonitorFastIntervalMs, &s.MonitorFastInterval)
	setMillis(KeyMonitorInitialDelayMs, &s.MonitorInitialDelay)
	setString(KeyMonitorTimeBasedCron, &s.MonitorTimeBasedCron)
	setString(KeyMonitorPendingCron, &s.MonitorPendingCron)
	setString(KeyMonitorCleanupCron, &s.MonitorCleanupCron)
	setInt(KeyMonitorStaleDays, &s.MonitorStaleDays)

	setBool(KeyDeliveryEnabled, &s.DeliveryEnabled)
	setBool(KeyDeliveryAutoRetry, &s.DeliveryAutoRetry)
	setInt(KeyDeliveryMaxRetries, &s.DeliveryMaxRetries)
	setString(KeyDeliveryCron, &s.DeliveryCron)
	setString(KeyDeliveryRetryCron, &s.DeliveryRetryCron)
	setInt(KeyDeliveryBatchSize, &s.DeliveryBatchSize)

	setInt(KeyCheckVoidTimeLimitHours, &s.CheckVoidTimeLimitHours)
	setInt(KeyCheckLowStockThreshold, &s.CheckLowStockThreshold)
	setBool(KeyCheckRequireAckBeforeEDI, &s.CheckRequireAckBeforeEDI)
	setBool(KeyReservationSeparateTx, &s.ReservationSeparateTx)

	setBool(KeyEDIProductionUsage, &s.EDIProductionUsage)

	setString(KeyEncryptionKey, &s.EncryptionKey)
	setString(KeyEncryptionSalt, &s.EncryptionSalt)

	return s, warnings
}
