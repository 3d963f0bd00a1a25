package repository

import (
	"errors"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

var (
	ErrOrderNotFound    = errors.New("订单不存在")
	ErrEscrowNotFound   = errors.New("托管记录不存在")
	ErrPayoutNotFound   = errors.New("应付款不存在")
	ErrStatusConflict   = errors.New("状态已变更")
	ErrStatusInvalid    = errors.New("状态迁移不合法")
	ErrDuplicateRequest = errors.New("重复请求")
)

const mysqlDuplicateEntry = 1062

// isDuplicateKey 唯一索引冲突
// TranslateError 开启后驱动会返回 gorm.ErrDuplicatedKey，MySQL 原始错误作兜底
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlDuplicateEntry
}

func use(tx, db *gorm.DB) *gorm.DB {
	if tx == nil {
		return db
	}
	return tx
}
