// Package media wraps the ffmpeg and ffprobe invocations the pipeline's
// media stages run: container probing, video compression, audio extraction,
// and audio segmentation. All process spawning funnels through a single
// package-level runner so tests can intercept it.
package media
