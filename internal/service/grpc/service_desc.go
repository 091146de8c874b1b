package grpcsvc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName: полное имя gRPC-сервиса.
const ServiceName = "settlement.v1.ConsultationService"

const (
	methodCreateConsultation    = "/" + ServiceName + "/CreateConsultation"
	methodGetConsultation       = "/" + ServiceName + "/GetConsultation"
	methodGetStatus             = "/" + ServiceName + "/GetStatus"
	methodListConsultations     = "/" + ServiceName + "/ListConsultations"
	methodSettleWithOfferings   = "/" + ServiceName + "/SettleWithOfferings"
	methodSelectExternalPayment = "/" + ServiceName + "/SelectExternalPayment"
	methodCancelConsultation    = "/" + ServiceName + "/CancelConsultation"
	methodRefundConsultation    = "/" + ServiceName + "/RefundConsultation"
	methodRetryAnalysis         = "/" + ServiceName + "/RetryAnalysis"
)

// ConsultationServer: серверная сторона ConsultationService.
type ConsultationServer interface {
	CreateConsultation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetConsultation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListConsultations(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SettleWithOfferings(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SelectExternalPayment(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelConsultation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RefundConsultation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RetryAnalysis(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(ConsultationServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryMethod) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		server := srv.(ConsultationServer)
		if interceptor == nil {
			return call(server, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(server, ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ConsultationServiceDesc описывает сервис для grpc.Server.
var ConsultationServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ConsultationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateConsultation", Handler: unaryHandler(methodCreateConsultation, ConsultationServer.CreateConsultation)},
		{MethodName: "GetConsultation", Handler: unaryHandler(methodGetConsultation, ConsultationServer.GetConsultation)},
		{MethodName: "GetStatus", Handler: unaryHandler(methodGetStatus, ConsultationServer.GetStatus)},
		{MethodName: "ListConsultations", Handler: unaryHandler(methodListConsultations, ConsultationServer.ListConsultations)},
		{MethodName: "SettleWithOfferings", Handler: unaryHandler(methodSettleWithOfferings, ConsultationServer.SettleWithOfferings)},
		{MethodName: "SelectExternalPayment", Handler: unaryHandler(methodSelectExternalPayment, ConsultationServer.SelectExternalPayment)},
		{MethodName: "CancelConsultation", Handler: unaryHandler(methodCancelConsultation, ConsultationServer.CancelConsultation)},
		{MethodName: "RefundConsultation", Handler: unaryHandler(methodRefundConsultation, ConsultationServer.RefundConsultation)},
		{MethodName: "RetryAnalysis", Handler: unaryHandler(methodRetryAnalysis, ConsultationServer.RetryAnalysis)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "settlement/v1/consultation_service.proto",
}

// RegisterConsultationServer регистрирует реализацию на сервере.
func RegisterConsultationServer(registrar grpc.ServiceRegistrar, srv ConsultationServer) {
	registrar.RegisterService(&ConsultationServiceDesc, srv)
}

// ConsultationClient: клиент ConsultationService.
type ConsultationClient struct {
	cc grpc.ClientConnInterface
}

// NewConsultationClient создаёт клиента поверх соединения.
func NewConsultationClient(cc grpc.ClientConnInterface) *ConsultationClient {
	return &ConsultationClient{cc: cc}
}

// Call вызывает метод сервиса по короткому имени, например "GetStatus".
func (c *ConsultationClient) Call(ctx context.Context, method string, req map[string]interface{}, opts ...grpc.CallOption) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

var _ ConsultationServer = (*ConsultationService)(nil)
