// Command distill is the CLI for the video intelligence pipeline. It runs
// the processing daemon in the foreground, accepts uploads, and inspects the
// ledger and the job queue directly through their SQLite stores.
package main
