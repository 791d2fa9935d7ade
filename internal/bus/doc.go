// Package bus delivers JSON messages between workers through per-recipient
// directories under messages/ on the coordination root.
//
// Publishing writes <dir>/<id>.json through a temp file and rename, so readers
// never observe a partial message. A Bus dispatches its own directory and the
// shared broadcast directory in id order, then archives each message. Direct
// messages move to <dir>/processed/; broadcast messages stay in place for other
// recipients and are copied to broadcast/processed/<recipient>/ so each
// recipient consumes them once. Undecodable files move to failed/.
//
// Delivery is push-driven by fsnotify where available, with a periodic poll
// behind it; when fsnotify cannot be set up the poll alone drives delivery.
package bus
