package idgen

import (
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
)

// ============================================================================
// 业务单号生成
// ============================================================================
//
// 雪花 ID：41 位毫秒时间戳 + 10 位节点号 + 12 位序列号，全局唯一、趋势递增。
// 单号 = 业务前缀 + 年月日时分秒 + 雪花 ID，便于人工排查时按时间定位。
//
// ============================================================================

// 起始时间 2024-01-01 00:00:00 UTC
const epochMillis = int64(1704067200000)

var (
	node     *snowflake.Node
	initOnce sync.Once
	initErr  error
)

// Init 初始化节点号（0-1023），多实例部署时每个实例必须不同
func Init(workerID int64) error {
	initOnce.Do(func() {
		snowflake.Epoch = epochMillis
		node, initErr = snowflake.NewNode(workerID)
	})
	return initErr
}

// NextID 生成下一个ID
func NextID() int64 {
	if node == nil {
		if err := Init(1); err != nil {
			panic(fmt.Sprintf("idgen: %v", err))
		}
	}
	return node.Generate().Int64()
}

func generate(prefix string) string {
	return fmt.Sprintf("%s%s%d", prefix, time.Now().UTC().Format("20060102150405"), NextID())
}

// GenerateOrderNo 订单号，例如 ESC20240115143052 + 雪花ID
func GenerateOrderNo() string {
	return generate("ESC")
}

// GenerateTransactionNo 流水号
func GenerateTransactionNo() string {
	return generate("TXN")
}

// GenerateRefundNo 退款单号，同时作为内部退款流水的网关引用
func GenerateRefundNo() string {
	return generate("REF")
}

// GeneratePayoutNo 卖家应付款单号
func GeneratePayoutNo() string {
	return generate("PO")
}
