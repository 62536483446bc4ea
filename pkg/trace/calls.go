package trace

// Kernel-layer call names, after the FUSE op set the proxy serves.
// Records naming calls outside this set still parse; the analyzer counts
// them under whatever name the record carried.
const (
	CallLookUpInode        = "LookUpInode"
	CallGetInodeAttributes = "GetInodeAttributes"
	CallSetInodeAttributes = "SetInodeAttributes"
	CallForgetInode        = "ForgetInode"
	CallMkDir              = "MkDir"
	CallCreateFile         = "CreateFile"
	CallOpenFile           = "OpenFile"
	CallReadFile           = "ReadFile"
	CallWriteFile          = "WriteFile"
	CallFlushFile          = "FlushFile"
	CallSyncFile           = "SyncFile"
	CallReleaseFileHandle  = "ReleaseFileHandle"
	CallOpenDir            = "OpenDir"
	CallReadDir            = "ReadDir"
	CallReleaseDirHandle   = "ReleaseDirHandle"
	CallRename             = "Rename"
	CallUnlink             = "Unlink"
	CallRmDir              = "RmDir"
	CallStatFS             = "StatFS"
)

// Store-layer call names.
const (
	CallStatObject     = "StatObject"
	CallListObjects    = "ListObjects"
	CallCreateObject   = "CreateObject"
	CallRead           = "Read"
	CallUpdateObject   = "UpdateObject"
	CallDeleteObject   = "DeleteObject"
	CallCopyObject     = "CopyObject"
	CallComposeObjects = "ComposeObjects"
)

// KernelCalls lists every known kernel-layer call name.
func KernelCalls() []string {
	return []string{
		CallLookUpInode, CallGetInodeAttributes, CallSetInodeAttributes,
		CallForgetInode, CallMkDir, CallCreateFile, CallOpenFile,
		CallReadFile, CallWriteFile, CallFlushFile, CallSyncFile,
		CallReleaseFileHandle, CallOpenDir, CallReadDir,
		CallReleaseDirHandle, CallRename, CallUnlink, CallRmDir,
		CallStatFS,
	}
}

// StoreCalls lists every known store-layer call name.
func StoreCalls() []string {
	return []string{
		CallStatObject, CallListObjects, CallCreateObject, CallRead,
		CallUpdateObject, CallDeleteObject, CallCopyObject,
		CallComposeObjects,
	}
}
