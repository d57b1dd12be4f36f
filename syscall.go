package nlmgr

// Kernel structures golang.org/x/sys/unix does not describe.
const (
	sizeofNdmsg        = 12 // struct ndmsg
	sizeofNdUseroptmsg = 16 // struct nduseroptmsg
)
