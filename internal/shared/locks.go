package shared

import "fmt"

// BatchKey builds the redis key remembering which order a batch id produced.
func BatchKey(batchID string) string {
	return fmt.Sprintf("orders:batch:%s", batchID)
}

// OverdueNoticeKey builds the redis key that suppresses repeated overdue
// notifications for the same item.
func OverdueNoticeKey(itemID string) string {
	return fmt.Sprintf("kitchen:overdue:%s:notified", itemID)
}
