// Package persist records which archives are mounted and which files are
// open, and recreates them after a restart.
//
// Only tickets and paths are persisted. Decompression cursors are a
// performance cache and are always rebuilt from the archive start.
package persist
