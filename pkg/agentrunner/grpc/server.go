package grpc

import (
	"context"
	"encoding/json"
	"net"
	"net/http"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc"

	"github.com/arjunmehta/taskforge/pkg/wave"
)

// NewGRPCServer builds a grpc.Server carrying the AgentRunner service. The
// server is forced onto jsonCodec since the service has no protobuf
// descriptors to negotiate a codec from.
func NewGRPCServer(srv Server) *grpc.Server {
	s := grpc.NewServer(grpc.ForceServerCodec(jsonCodec{}))
	RegisterServer(s, srv)
	return s
}

// Gateway builds a plain HTTP mux exposing GET /v1/metrics as a REST
// façade over the Metrics RPC, in the spirit of a grpc-gateway-generated
// reverse proxy but hand-registered since there is no .proto to generate
// one from.
func Gateway(srv Server) http.Handler {
	mux := runtime.NewServeMux()
	_ = mux.HandlePath(http.MethodGet, "/v1/metrics", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		resp, err := srv.Metrics(r.Context(), &MetricsRequest{})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
	return mux
}

// Serve listens on grpcAddr for the AgentRunner gRPC service and, if
// gatewayAddr is non-empty, serves its REST façade there too. It blocks
// until ctx is cancelled.
func Serve(ctx context.Context, grpcAddr, gatewayAddr string, runner wave.AgentRunner, admission wave.AgentAdmissionController) error {
	srv := NewAdapter(runner, admission)
	gs := NewGRPCServer(srv)

	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 2)
	go func() { errCh <- gs.Serve(lis) }()

	var httpSrv *http.Server
	if gatewayAddr != "" {
		httpSrv = &http.Server{Addr: gatewayAddr, Handler: Gateway(srv)}
		go func() { errCh <- httpSrv.ListenAndServe() }()
	}

	select {
	case <-ctx.Done():
		gs.GracefulStop()
		if httpSrv != nil {
			_ = httpSrv.Close()
		}
		return ctx.Err()
	case err := <-errCh:
		gs.GracefulStop()
		if httpSrv != nil {
			_ = httpSrv.Close()
		}
		return err
	}
}
