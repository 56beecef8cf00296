package exchange

import "errors"

// ErrMaintenance 表示交易所处于维护状态，需要上层跳过本轮采集。
var ErrMaintenance = errors.New("exchange on maintenance")
