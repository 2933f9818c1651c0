package transport

// DropForTest severs the websocket without closing the link, as a
// network failure would.
func (l *BrokerLink) DropForTest() {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn != nil {
		_ = conn.UnderlyingConn().Close()
	}
}
