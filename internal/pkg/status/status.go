package status

//Job statuses. Fine grained pipeline steps live in the progress
//snapshot stage field, not here.
const (
	Pending    = "pending"
	Processing = "processing"
	Success    = "success"
	Failed     = "failed"
	Idle       = "idle"
)

//Progress snapshot stages
const (
	StgDownloadStart    = "download_start"
	StgDownload         = "download"
	StgUploadProcessing = "upload_processing"
	StgReady            = "ready"
	StgASRPreprocess    = "asr_preprocessing"
	StgASRRecognizing   = "asr_recognizing"
	StgASRPostprocess   = "asr_postprocessing"
	StgSavingTranscript = "saving_transcript"
	StgCompleted        = "completed"
	StgError            = "error"
)

var stageProgressMap = map[string]float64{
	StgDownloadStart:    0,
	StgUploadProcessing: 2,
	StgReady:            100,
	StgASRPreprocess:    5,
	StgASRRecognizing:   10,
	StgASRPostprocess:   80,
	StgSavingTranscript: 90,
	StgCompleted:        100,
}

//Percent returns the default percentage value for a stage
func Percent(stage string) float64 {
	pr, found := stageProgressMap[stage]
	if found {
		return pr
	}
	return 0
}

//IsTerminal returns true for statuses that end a job
func IsTerminal(st string) bool {
	return st == Success || st == Failed
}
