// Package encrypthandler implements the endpoints operators use to seal values,
// or the placeholders of a whole file, before committing them to a repository. It never touches the working area.
package encrypthandler
